package trxchain

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/arkade-os/custodyd/pkg/addrcodec"
	"google.golang.org/protobuf/encoding/protowire"
)

// protocol.Transaction.raw field numbers
const (
	rawExpirationField = 8
	rawContractField   = 11

	contractTypeField      = 1
	contractParameterField = 2
	anyValueField          = 2

	// TransferContract and TriggerSmartContract share the layout of their first
	// three fields: owner, recipient or contract, amount or call value
	ownerAddressField = 1
	toAddressField    = 2
	amountField       = 3
	triggerDataField  = 4

	transferContract   = 1
	triggerContract    = 31
	transferMethodSize = 4 + 32 + 32
)

var transferMethodID = []byte{0xa9, 0x05, 0x9c, 0xbb}

// rawData is the part of a node built transaction we check before signing.
type rawData struct {
	expiration   int64
	contractType uint64
	owner        []byte
	// to is the recipient of a native transfer or the called contract
	to []byte
	// amount of a transfer or call value of a trigger
	amount int64
	data   []byte
}

func decodeRawData(buf []byte) (*rawData, error) {
	rd := &rawData{}
	contracts := 0
	err := walkFields(buf, func(num protowire.Number, typ protowire.Type, val []byte, n uint64) error {
		switch {
		case num == rawExpirationField && typ == protowire.VarintType:
			rd.expiration = int64(n)
		case num == rawContractField && typ == protowire.BytesType:
			contracts++
			return decodeContract(val, rd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if contracts != 1 {
		return nil, fmt.Errorf("expected one contract, got %d", contracts)
	}
	return rd, nil
}

func decodeContract(buf []byte, rd *rawData) error {
	var parameter []byte
	if err := walkFields(buf, func(num protowire.Number, typ protowire.Type, val []byte, n uint64) error {
		switch {
		case num == contractTypeField && typ == protowire.VarintType:
			rd.contractType = n
		case num == contractParameterField && typ == protowire.BytesType:
			parameter = val
		}
		return nil
	}); err != nil {
		return err
	}

	var value []byte
	if err := walkFields(parameter, func(num protowire.Number, typ protowire.Type, val []byte, _ uint64) error {
		if num == anyValueField && typ == protowire.BytesType {
			value = val
		}
		return nil
	}); err != nil {
		return err
	}

	return walkFields(value, func(num protowire.Number, typ protowire.Type, val []byte, n uint64) error {
		switch {
		case num == ownerAddressField && typ == protowire.BytesType:
			rd.owner = val
		case num == toAddressField && typ == protowire.BytesType:
			rd.to = val
		case num == amountField && typ == protowire.VarintType:
			rd.amount = int64(n)
		case num == triggerDataField && typ == protowire.BytesType &&
			rd.contractType == triggerContract:
			rd.data = val
		}
		return nil
	})
}

func walkFields(
	buf []byte, fn func(num protowire.Number, typ protowire.Type, val []byte, n uint64) error,
) error {
	for len(buf) > 0 {
		num, typ, l := protowire.ConsumeTag(buf)
		if l < 0 {
			return fmt.Errorf("invalid raw data: %w", protowire.ParseError(l))
		}
		buf = buf[l:]

		var (
			val []byte
			n   uint64
		)
		switch typ {
		case protowire.VarintType:
			n, l = protowire.ConsumeVarint(buf)
		case protowire.BytesType:
			val, l = protowire.ConsumeBytes(buf)
		default:
			l = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if l < 0 {
			return fmt.Errorf("invalid raw data: %w", protowire.ParseError(l))
		}
		buf = buf[l:]

		if err := fn(num, typ, val, n); err != nil {
			return err
		}
	}
	return nil
}

// checkTransfer verifies the node built exactly the transfer that was asked for.
func (rd *rawData) checkTransfer(from, to string, amount int64) error {
	if rd.contractType != transferContract {
		return fmt.Errorf("unexpected contract type %d", rd.contractType)
	}
	if err := matchAddress("owner", rd.owner, from); err != nil {
		return err
	}
	if err := matchAddress("recipient", rd.to, to); err != nil {
		return err
	}
	if rd.amount != amount {
		return fmt.Errorf("amount %d does not match requested %d", rd.amount, amount)
	}
	return nil
}

// checkTokenTransfer verifies the node built a transfer(address,uint256) call of the
// given contract with the given arguments and no TRX attached.
func (rd *rawData) checkTokenTransfer(from, contract, parameter string) error {
	if rd.contractType != triggerContract {
		return fmt.Errorf("unexpected contract type %d", rd.contractType)
	}
	if err := matchAddress("owner", rd.owner, from); err != nil {
		return err
	}
	if err := matchAddress("contract", rd.to, contract); err != nil {
		return err
	}
	if rd.amount != 0 {
		return fmt.Errorf("unexpected call value %d", rd.amount)
	}
	args, err := hex.DecodeString(parameter)
	if err != nil {
		return err
	}
	expected := append(append([]byte{}, transferMethodID...), args...)
	if len(rd.data) != transferMethodSize || !bytes.Equal(rd.data, expected) {
		return fmt.Errorf("contract call data does not match requested transfer")
	}
	return nil
}

func matchAddress(field string, raw []byte, expected string) error {
	hash, err := addrcodec.TronAddressToHash(expected)
	if err != nil {
		return err
	}
	want := append([]byte{addrcodec.TronAddressVersion}, hash...)
	if !bytes.Equal(raw, want) {
		return fmt.Errorf("%s %x does not match requested %x", field, raw, want)
	}
	return nil
}
