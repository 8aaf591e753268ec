package evmchain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"testing"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const recipient = "0x52908400098527886E0F7030069857D2E4169EE7"

var (
	ethAsset = domain.Asset{
		Symbol: "ETH", Family: domain.ChainFamilyEVM, Network: "ethereum", Decimals: 18,
	}
	usdtAsset = domain.Asset{
		Symbol:     "USDT-ERC20",
		Family:     domain.ChainFamilyEVM,
		Network:    "ethereum",
		Decimals:   6,
		Contract:   "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		NetworkFee: decimal.RequireFromString("2"),
	}
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*big.Int)
	return res, args.Error(1)
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockClient) NonceAt(
	ctx context.Context, account common.Address, blockNumber *big.Int,
) (uint64, error) {
	args := m.Called(ctx, account, blockNumber)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*big.Int)
	return res, args.Error(1)
}

func (m *mockClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockClient) TransactionReceipt(
	ctx context.Context, txHash common.Hash,
) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	res, _ := args.Get(0).(*types.Receipt)
	return res, args.Error(1)
}

func (m *mockClient) TransactionByHash(
	ctx context.Context, hash common.Hash,
) (*types.Transaction, bool, error) {
	args := m.Called(ctx, hash)
	res, _ := args.Get(0).(*types.Transaction)
	return res, args.Bool(1), args.Error(2)
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

func testKey(seed string) []byte {
	key := sha256.Sum256([]byte(seed))
	return key[:]
}

func TestKeysAndSignatures(t *testing.T) {
	a := newAdapter("ethereum", &mockClient{})
	require.Equal(t, domain.ChainFamilyEVM, a.Family())
	require.Equal(t, "ethereum", a.Network())

	key := testKey("alice")
	pubkey, err := a.PublicKey(key)
	require.NoError(t, err)
	require.Len(t, pubkey, 33)

	address, err := a.Address(pubkey)
	require.NoError(t, err)
	require.NoError(t, a.ValidateAddress(address))

	prvkey, err := crypto.ToECDSA(key)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(prvkey.PublicKey).Hex(), address)

	digest := crypto.Keccak256([]byte("release terms"))
	sig, err := a.SignDigest(key, digest)
	require.NoError(t, err)
	require.NoError(t, a.VerifyDigest(pubkey, digest, sig))

	other, err := a.PublicKey(testKey("bob"))
	require.NoError(t, err)
	require.Error(t, a.VerifyDigest(other, digest, sig))
	require.Error(t, a.VerifyDigest(pubkey, digest, sig[:10]))
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()
	key := testKey("alice")
	prvkey, err := crypto.ToECDSA(key)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(prvkey.PublicKey)

	t.Run("native", func(t *testing.T) {
		client := &mockClient{}
		client.On("ChainID", mock.Anything).Return(big.NewInt(1), nil).Once()
		client.On("PendingNonceAt", mock.Anything, from).Return(uint64(7), nil)
		client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(20_000_000_000), nil)
		a := newAdapter("ethereum", client)

		transfer, err := a.Prepare(ctx, key, ports.TransferRequest{
			Asset:       ethAsset,
			Destination: recipient,
			Amount:      decimal.RequireFromString("0.5"),
		})
		require.NoError(t, err)

		tx := new(types.Transaction)
		require.NoError(t, tx.UnmarshalBinary(transfer.Raw))
		require.Equal(t, transfer.TxID, tx.Hash().Hex())
		require.Equal(t, uint64(7), tx.Nonce())
		require.Equal(t, uint64(nativeTransferGas), tx.Gas())
		require.Equal(t, common.HexToAddress(recipient), *tx.To())
		expected, _ := new(big.Int).SetString("500000000000000000", 10)
		require.Zero(t, expected.Cmp(tx.Value()))

		sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
		require.NoError(t, err)
		require.Equal(t, from, sender)

		// the chain id is cached
		_, err = a.Prepare(ctx, key, ports.TransferRequest{
			Asset: ethAsset, Destination: recipient, Amount: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		client.AssertNumberOfCalls(t, "ChainID", 1)
	})

	t.Run("token", func(t *testing.T) {
		client := &mockClient{}
		client.On("PendingNonceAt", mock.Anything, from).Return(uint64(0), nil)
		client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1_000_000_000), nil)
		client.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(50000), nil)
		a := newAdapter("ethereum", client, WithChainID(1))

		transfer, err := a.Prepare(ctx, key, ports.TransferRequest{
			Asset:       usdtAsset,
			Destination: recipient,
			Amount:      decimal.RequireFromString("10"),
		})
		require.NoError(t, err)

		tx := new(types.Transaction)
		require.NoError(t, tx.UnmarshalBinary(transfer.Raw))
		require.Equal(t, common.HexToAddress(usdtAsset.Contract), *tx.To())
		require.Zero(t, tx.Value().Sign())
		require.Equal(t, uint64(60000), tx.Gas())

		// transfer(address,uint256)
		require.True(t, bytes.HasPrefix(tx.Data(), common.FromHex("0xa9059cbb")))
		require.Len(t, tx.Data(), 4+32+32)
		amount := new(big.Int).SetBytes(tx.Data()[36:])
		require.Equal(t, int64(10_000_000), amount.Int64())
		require.Equal(t, common.HexToAddress(recipient), common.BytesToAddress(tx.Data()[4:36]))
	})

	t.Run("excess precision", func(t *testing.T) {
		a := newAdapter("ethereum", &mockClient{}, WithChainID(1))
		_, err := a.Prepare(ctx, key, ports.TransferRequest{
			Asset:       usdtAsset,
			Destination: recipient,
			Amount:      decimal.RequireFromString("0.0000001"),
		})
		require.Error(t, err)
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	key := testKey("alice")
	prvkey, err := crypto.ToECDSA(key)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(prvkey.PublicKey)

	prepare := func(client *mockClient) (*adapter, *ports.SignedTransfer) {
		client.On("PendingNonceAt", mock.Anything, from).Return(uint64(1), nil)
		client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1), nil)
		a := newAdapter("ethereum", client, WithChainID(1))
		transfer, err := a.Prepare(ctx, key, ports.TransferRequest{
			Asset: ethAsset, Destination: recipient, Amount: decimal.NewFromInt(1),
		})
		require.NoError(t, err)
		return a, transfer
	}

	testCases := []struct {
		name     string
		sendErr  error
		expected error
	}{
		{"accepted", nil, nil},
		{"already known", rpcError{-32000, "already known"}, nil},
		{"rejected", rpcError{-32000, "insufficient funds for gas * price + value"}, ports.ErrTxRejected},
		{"timeout", fmt.Errorf("post: %w", context.DeadlineExceeded), ports.ErrTxAmbiguous},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := &mockClient{}
			a, transfer := prepare(client)
			client.On("SendTransaction", mock.Anything, mock.Anything).Return(tc.sendErr)

			txid, err := a.Submit(ctx, *transfer)
			if tc.expected != nil {
				require.ErrorIs(t, err, tc.expected)
				return
			}
			require.NoError(t, err)
			require.Equal(t, transfer.TxID, txid)
		})
	}

	t.Run("invalid raw", func(t *testing.T) {
		a := newAdapter("ethereum", &mockClient{}, WithChainID(1))
		_, err := a.Submit(ctx, ports.SignedTransfer{Raw: []byte{0x01}})
		require.ErrorIs(t, err, ports.ErrTxRejected)
	})
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	mined := common.HexToHash("0x01")
	pending := common.HexToHash("0x02")
	reverted := common.HexToHash("0x03")
	unknown := common.HexToHash("0x04")

	client := &mockClient{}
	client.On("BlockNumber", mock.Anything).Return(uint64(110), nil)
	client.On("TransactionReceipt", mock.Anything, mined).Return(&types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100),
	}, nil)
	client.On("TransactionReceipt", mock.Anything, reverted).Return(&types.Receipt{
		Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(109),
	}, nil)
	client.On("TransactionReceipt", mock.Anything, pending).Return(nil, ethereum.NotFound)
	client.On("TransactionByHash", mock.Anything, pending).Return(
		types.NewTx(&types.LegacyTx{}), true, nil,
	)
	client.On("TransactionReceipt", mock.Anything, unknown).Return(nil, ethereum.NotFound)
	client.On("TransactionByHash", mock.Anything, unknown).Return(nil, false, ethereum.NotFound)
	a := newAdapter("ethereum", client)

	state, err := a.Lookup(ctx, mined.Hex())
	require.NoError(t, err)
	require.True(t, state.Found)
	require.False(t, state.Failed)
	require.Equal(t, uint32(11), state.Confirmations)

	state, err = a.Lookup(ctx, reverted.Hex())
	require.NoError(t, err)
	require.True(t, state.Failed)
	require.Equal(t, uint32(2), state.Confirmations)

	state, err = a.Lookup(ctx, pending.Hex())
	require.NoError(t, err)
	require.True(t, state.Found)
	require.Zero(t, state.Confirmations)

	_, err = a.Lookup(ctx, unknown.Hex())
	require.ErrorIs(t, err, ports.ErrTxNotFound)
}

func TestEstimateFee(t *testing.T) {
	client := &mockClient{}
	client.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(10_000_000_000), nil)
	a := newAdapter("ethereum", client)

	fee, err := a.EstimateFee(context.Background(), ethAsset, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, fee.Equal(decimal.RequireFromString("0.00021")))

	_, err = a.EstimateFee(context.Background(), usdtAsset, decimal.NewFromInt(1))
	require.Error(t, err)
}

func TestDropped(t *testing.T) {
	ctx := context.Background()
	prvkey, err := crypto.ToECDSA(testKey("alice"))
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(prvkey.PublicKey)
	to := common.HexToAddress(recipient)

	chainID := big.NewInt(1)
	signed, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce: 7, GasPrice: big.NewInt(1_000_000_000), Gas: nativeTransferGas, To: &to,
		Value: big.NewInt(1),
	}), types.LatestSignerForChainID(chainID), prvkey)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	transfer := ports.SignedTransfer{
		Family: domain.ChainFamilyEVM, TxID: signed.Hash().Hex(), Raw: raw,
	}

	t.Run("nonce not consumed", func(t *testing.T) {
		client := &mockClient{}
		client.On("NonceAt", mock.Anything, from, (*big.Int)(nil)).Return(uint64(7), nil)
		a := newAdapter("ethereum", client)

		dropped, err := a.Dropped(ctx, transfer)
		require.NoError(t, err)
		require.False(t, dropped)
		client.AssertNotCalled(t, "TransactionReceipt", mock.Anything, mock.Anything)
	})

	t.Run("nonce consumed by another tx", func(t *testing.T) {
		client := &mockClient{}
		client.On("NonceAt", mock.Anything, from, (*big.Int)(nil)).Return(uint64(8), nil)
		client.On("TransactionReceipt", mock.Anything, signed.Hash()).Return(nil, ethereum.NotFound)
		a := newAdapter("ethereum", client)

		dropped, err := a.Dropped(ctx, transfer)
		require.NoError(t, err)
		require.True(t, dropped)
	})

	t.Run("mined", func(t *testing.T) {
		client := &mockClient{}
		client.On("NonceAt", mock.Anything, from, (*big.Int)(nil)).Return(uint64(8), nil)
		client.On("TransactionReceipt", mock.Anything, signed.Hash()).
			Return(&types.Receipt{Status: types.ReceiptStatusSuccessful}, nil)
		a := newAdapter("ethereum", client)

		dropped, err := a.Dropped(ctx, transfer)
		require.NoError(t, err)
		require.False(t, dropped)
	})
}
