package errors

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	grpccodes "google.golang.org/grpc/codes"
)

// Code is the type representing a namespace error code.
type Code[MT any] struct {
	Code     uint16
	Name     string
	GrpcCode grpccodes.Code
}

// New creates a new error with the given code and the message
func (c Code[MT]) New(msg string, args ...any) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: fmt.Errorf(msg, args...),
	}
}

// Wrap creates a new Error with the given code and the cause error
func (c Code[MT]) Wrap(cause error) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: cause,
	}
}

func (c Code[MT]) String() string {
	return fmt.Sprintf("%s (%d)", c.Name, c.Code)
}

// Is reports whether err carries this code anywhere in its chain.
func (c Code[MT]) Is(err error) bool {
	var structuredErr Error
	if !errors.As(err, &structuredErr) {
		return false
	}
	return structuredErr.Code() == c.Code
}

type Error interface {
	error
	Log() *log.Entry
	Code() uint16
	CodeName() string
	GrpcCode() grpccodes.Code
	Metadata() map[string]string
}

type TypedError[MT any] interface {
	Error
	WithMetadata(MT) TypedError[MT]
}

// ErrorImpl is the default concrete implementation of TypedError.
type ErrorImpl[MT any] struct {
	code     Code[MT]
	cause    error
	metadata MT
}

func (e *ErrorImpl[MT]) Log() *log.Entry {
	return log.WithField("name", e.code.Name).
		WithField("code", e.code.Code).
		WithField("metadata", e.metadata)
}

func (e *ErrorImpl[MT]) Metadata() map[string]string {
	// convert any metadata to map[string]string
	metadata := make(map[string]string)
	buf, err := json.Marshal(e.metadata)
	if err == nil {
		var genericMap map[string]any
		if err := json.Unmarshal(buf, &genericMap); err == nil {
			for k, v := range genericMap {
				vStr := ""
				if v != nil {
					vStr = fmt.Sprintf("%v", v)
				}
				metadata[k] = vStr
			}
		}
	}
	return metadata
}

func (e *ErrorImpl[MT]) GrpcCode() grpccodes.Code {
	return e.code.GrpcCode
}

func (e *ErrorImpl[MT]) Code() uint16 {
	return e.code.Code
}

func (e *ErrorImpl[MT]) CodeName() string {
	return e.code.Name
}

// Error() implements the error interface.
func (e *ErrorImpl[MT]) Error() string {
	return fmt.Sprintf("%s: %s", e.code.String(), e.cause.Error())
}

func (e *ErrorImpl[MT]) Unwrap() error {
	return e.cause
}

func (e *ErrorImpl[MT]) WithMetadata(metadata MT) TypedError[MT] {
	e.metadata = metadata
	return e
}

// As returns the structured error found in err's chain, if any.
func As(err error) (Error, bool) {
	var structuredErr Error
	if errors.As(err, &structuredErr) {
		return structuredErr, true
	}
	return nil, false
}

type ValidationMetadata struct {
	Field string `json:"field,omitempty"`
	Chain string `json:"chain,omitempty"`
	Asset string `json:"asset,omitempty"`
	Value string `json:"value,omitempty"`
}

type WithdrawalMetadata struct {
	WithdrawalId string `json:"withdrawal_id,omitempty"`
	Chain        string `json:"chain,omitempty"`
	Asset        string `json:"asset,omitempty"`
	Txid         string `json:"txid,omitempty"`
}

type InsufficientBalanceMetadata struct {
	WithdrawalId string `json:"withdrawal_id,omitempty"`
	Asset        string `json:"asset"`
	Available    string `json:"available"`
	Required     string `json:"required"`
}

type EscrowMetadata struct {
	TradeId string `json:"trade_id,omitempty"`
	Chain   string `json:"chain,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Role    string `json:"role,omitempty"`
}

type DustOutputMetadata struct {
	TradeId string `json:"trade_id,omitempty"`
	Chain   string `json:"chain"`
	Amount  string `json:"amount"`
	Dust    string `json:"dust"`
}

type BroadcastMetadata struct {
	Chain        string `json:"chain"`
	Asset        string `json:"asset,omitempty"`
	WithdrawalId string `json:"withdrawal_id,omitempty"`
	TradeId      string `json:"trade_id,omitempty"`
	Txid         string `json:"txid,omitempty"`
}

type ConfigurationMetadata struct {
	Asset string `json:"asset,omitempty"`
	Chain string `json:"chain,omitempty"`
}

var INTERNAL_ERROR = Code[map[string]any]{0, "INTERNAL_ERROR", grpccodes.Internal}

var VALIDATION_FAILED = Code[ValidationMetadata]{
	1,
	"VALIDATION_FAILED",
	grpccodes.InvalidArgument,
}

var INSUFFICIENT_BALANCE = Code[InsufficientBalanceMetadata]{
	2,
	"INSUFFICIENT_BALANCE",
	grpccodes.FailedPrecondition,
}

// KEY_DERIVATION_FAILED is a system alarm, never a user mistake.
var KEY_DERIVATION_FAILED = Code[ConfigurationMetadata]{
	3,
	"KEY_DERIVATION_FAILED",
	grpccodes.Internal,
}

var CONFIGURATION_ERROR = Code[ConfigurationMetadata]{
	4,
	"CONFIGURATION_ERROR",
	grpccodes.FailedPrecondition,
}

var BROADCAST_FAILURE = Code[BroadcastMetadata]{
	5,
	"BROADCAST_FAILURE",
	grpccodes.Unavailable,
}

var AMBIGUOUS_BROADCAST = Code[BroadcastMetadata]{
	6,
	"AMBIGUOUS_BROADCAST",
	grpccodes.DeadlineExceeded,
}

var ESCROW_PROTOCOL_VIOLATION = Code[EscrowMetadata]{
	7,
	"ESCROW_PROTOCOL_VIOLATION",
	grpccodes.FailedPrecondition,
}

var DUST_OUTPUT = Code[DustOutputMetadata]{8, "DUST_OUTPUT", grpccodes.InvalidArgument}
var NOT_FOUND = Code[map[string]any]{9, "NOT_FOUND", grpccodes.NotFound}
var ALREADY_EXISTS = Code[map[string]any]{10, "ALREADY_EXISTS", grpccodes.AlreadyExists}

var RECONCILIATION_REQUIRED = Code[WithdrawalMetadata]{
	11,
	"RECONCILIATION_REQUIRED",
	grpccodes.Aborted,
}

var UNAUTHENTICATED = Code[map[string]any]{12, "UNAUTHENTICATED", grpccodes.Unauthenticated}
var PERMISSION_DENIED = Code[map[string]any]{
	13,
	"PERMISSION_DENIED",
	grpccodes.PermissionDenied,
}
