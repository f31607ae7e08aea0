package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

var erc20ABI = mustParseABI(erc20TransferABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainClient is the subset of *ethclient.Client the gateway uses.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

type EVMConfig struct {
	RPCURL         string
	ChainID        int64
	TokenAddress   string
	TreasuryKey    string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// EVM pays ERC-20 tokens from a treasury account.
type EVM struct {
	client   ChainClient
	key      *ecdsa.PrivateKey
	treasury common.Address
	token    common.Address
	signer   types.Signer
	timeout  time.Duration
	poll     time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	next     uint64   // next fresh nonce; the node's pending nonce wins when higher
	released []uint64 // sorted nonces below next returned by Release
}

// DialEVM connects to the RPC endpoint and builds the gateway.
func DialEVM(ctx context.Context, cfg EVMConfig, log *zap.Logger) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return NewEVM(client, cfg, log)
}

func NewEVM(client ChainClient, cfg EVMConfig, log *zap.Logger) (*EVM, error) {
	if cfg.TreasuryKey == "" {
		return nil, errors.New("treasury private key not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.TreasuryKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("treasury key: %w", err)
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", cfg.TokenAddress)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &EVM{
		client:   client,
		key:      key,
		treasury: crypto.PubkeyToAddress(key.PublicKey),
		token:    common.HexToAddress(cfg.TokenAddress),
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		timeout:  cfg.ConfirmTimeout,
		poll:     cfg.PollInterval,
		log:      log,
	}, nil
}

// Treasury returns the paying account.
func (g *EVM) Treasury() common.Address { return g.treasury }

func (g *EVM) Prepare(ctx context.Context, to string, amount *big.Int) (*Prepared, error) {
	if !validAmount(amount) {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrGateway)
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: invalid recipient %q", ErrGateway, to)
	}
	data, err := erc20ABI.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return nil, fmt.Errorf("%w: pack transfer: %v", ErrGateway, err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrGateway, err)
	}
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{From: g.treasury, To: &g.token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", ErrGateway, err)
	}
	gas += gas / 5

	// Ask the node before taking the lock so a stalled RPC call cannot block
	// other transfers.
	pending, err := g.client.PendingNonceAt(ctx, g.treasury)
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %v", ErrGateway, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	nonce := g.takeNonce(pending)

	tx := types.NewTransaction(nonce, g.token, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, g.signer, g.key)
	if err != nil {
		g.release(nonce)
		return nil, fmt.Errorf("%w: sign: %v", ErrGateway, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		g.release(nonce)
		return nil, fmt.Errorf("%w: encode: %v", ErrGateway, err)
	}
	return &Prepared{Ref: signed.Hash().Hex(), Seq: nonce, Payload: raw}, nil
}

// takeNonce hands out the lowest released nonce the node has not moved past,
// else the next fresh one. Callers hold g.mu.
func (g *EVM) takeNonce(pending uint64) uint64 {
	for len(g.released) > 0 {
		n := g.released[0]
		g.released = g.released[1:]
		if n >= pending {
			return n
		}
	}
	nonce := g.next
	if pending > nonce {
		nonce = pending
	}
	g.next = nonce + 1
	return nonce
}

// Release returns the nonce of a transfer that was never broadcast so the
// next Prepare reuses it; a nonce left unused would hold back every later
// transfer in the node's queue.
func (g *EVM) Release(p *Prepared) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.release(p.Seq)
}

func (g *EVM) release(n uint64) {
	if n >= g.next {
		return
	}
	if n+1 == g.next {
		g.next = n
		// Trailing released nonces collapse into next as well.
		for len(g.released) > 0 && g.released[len(g.released)-1]+1 == g.next {
			g.next = g.released[len(g.released)-1]
			g.released = g.released[:len(g.released)-1]
		}
		return
	}
	i := sort.Search(len(g.released), func(i int) bool { return g.released[i] >= n })
	if i < len(g.released) && g.released[i] == n {
		return
	}
	g.released = append(g.released, 0)
	copy(g.released[i+1:], g.released[i:])
	g.released[i] = n
}

// Submit broadcasts the signed payload. Rejections the node reports are
// definitive; transport failures and nonce clashes are not, since the
// transfer may already be in the pool or mined.
func (g *EVM) Submit(ctx context.Context, p *Prepared) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(p.Payload); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrGateway, err)
	}
	err := g.client.SendTransaction(ctx, tx)
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return nil
	case strings.Contains(msg, "nonce too low"):
		return fmt.Errorf("%w: %v", ErrGatewayUnknown, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		g.Release(p)
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnknown, err)
}

// Confirm polls for the receipt until the confirm timeout.
func (g *EVM) Confirm(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	hash := common.HexToHash(ref)

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return fmt.Errorf("%w: transfer %s reverted", ErrGateway, ref)
		}
		if !errors.Is(err, ethereum.NotFound) {
			g.log.Warn("receipt lookup failed", zap.String("ref", ref), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: no receipt for %s: %v", ErrGatewayUnknown, ref, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *EVM) Status(ctx context.Context, ref string, seq uint64) (Status, error) {
	hash := common.HexToHash(ref)
	if st, ok, err := g.receiptStatus(ctx, hash); err != nil || ok {
		return st, err
	}
	_, _, err := g.client.TransactionByHash(ctx, hash)
	if err == nil {
		return StatusPending, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", fmt.Errorf("%w: lookup %s: %v", ErrGatewayUnknown, ref, err)
	}
	mined, err := g.client.NonceAt(ctx, g.treasury, nil)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrGatewayUnknown, err)
	}
	if mined <= seq {
		return StatusMissing, nil
	}
	// The nonce is used up; our transfer may have landed between lookups.
	if st, ok, err := g.receiptStatus(ctx, hash); err != nil || ok {
		return st, err
	}
	return StatusSuperseded, nil
}

func (g *EVM) receiptStatus(ctx context.Context, hash common.Hash) (Status, bool, error) {
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil && receipt.Status == types.ReceiptStatusSuccessful:
		return StatusConfirmed, true, nil
	case err == nil:
		return StatusReverted, true, nil
	case errors.Is(err, ethereum.NotFound):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("%w: receipt %s: %v", ErrGatewayUnknown, hash.Hex(), err)
	}
}
