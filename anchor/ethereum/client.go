// Package ethereum connects the anchor service to the IrrigationAudit contract on an EVM chain.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/aquachain/anchor-core/anchor"
	"github.com/aquachain/anchor-core/types"
	"github.com/aquachain/anchor-core/util"
	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tendermint/tendermint/libs/log"
)

// IrrigationAuditABI : the event and the one mutating call of the audit contract
const IrrigationAuditABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"contentHash","type":"bytes32"},
		{"indexed":false,"internalType":"string","name":"zone","type":"string"},
		{"indexed":false,"internalType":"uint256","name":"ts","type":"uint256"},
		{"indexed":false,"internalType":"address","name":"actor","type":"address"}
	],"name":"Log","type":"event"},
	{"inputs":[
		{"internalType":"bytes32","name":"contentHash","type":"bytes32"},
		{"internalType":"string","name":"zone","type":"string"}
	],"name":"log","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// SignerKind is resolved once when the service starts
type SignerKind string

const (
	SignerKey      SignerKind = "key"
	SignerUnlocked SignerKind = "unlocked"
	SignerNone     SignerKind = "none"
)

var ErrNoContract = errors.New("missing or invalid contract address")

var auditABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(IrrigationAuditABI))
	if err != nil {
		panic(err)
	}
	auditABI = parsed
}

// LogTopic is topic0 of Log(bytes32,string,uint256,address)
func LogTopic() common.Hash {
	return auditABI.Events["Log"].ID
}

var (
	_ anchor.Ledger        = (*Client)(nil)
	_ anchor.LogSubscriber = (*Client)(nil)
)

// Client : one JSON-RPC connection plus an optional streaming connection for log subscriptions
type Client struct {
	Logger   log.Logger
	rpc      *rpc.Client
	eth      *ethclient.Client
	stream   *ethclient.Client
	address  common.Address
	contract *bind.BoundContract
	signer   SignerKind
	opts     *bind.TransactOpts
	from     common.Address
}

// Dial connects to cfg.RPCURL and, when set, cfg.StreamURL. The signer is left unresolved.
func Dial(ctx context.Context, cfg types.LedgerConfig, logger log.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, ErrNoContract
	}
	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if util.LoggerError(logger, err) != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	c := NewClient(rpcClient, common.HexToAddress(cfg.ContractAddress), logger)
	if cfg.StreamURL != "" {
		stream, err := ethclient.DialContext(ctx, cfg.StreamURL)
		if util.LoggerError(logger, err) != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("dial %s: %w", cfg.StreamURL, err)
		}
		c.stream = stream
	}
	return c, nil
}

func NewClient(rpcClient *rpc.Client, address common.Address, logger log.Logger) *Client {
	eth := ethclient.NewClient(rpcClient)
	return &Client{
		Logger:   logger,
		rpc:      rpcClient,
		eth:      eth,
		address:  address,
		contract: bind.NewBoundContract(address, auditABI, eth, eth, eth),
		signer:   SignerNone,
	}
}

// ResolveSigner picks the configured key, else the node's first unlocked account when allowed, else none
func (c *Client) ResolveSigner(ctx context.Context, cfg types.LedgerConfig) (SignerKind, error) {
	c.signer = SignerNone
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return SignerNone, fmt.Errorf("invalid private key: %w", err)
		}
		return c.useKey(ctx, key)
	}
	if !cfg.AllowUnlockedAccount {
		return SignerNone, nil
	}
	var accounts []common.Address
	if err := c.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		c.Logger.Info("No unlocked account available", "err", err.Error())
		return SignerNone, nil
	}
	if len(accounts) == 0 {
		return SignerNone, nil
	}
	c.from = accounts[0]
	c.signer = SignerUnlocked
	c.Logger.Info("Using unlocked account signer", "from", c.from.Hex())
	return c.signer, nil
}

func (c *Client) useKey(ctx context.Context, key *ecdsa.PrivateKey) (SignerKind, error) {
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return SignerNone, fmt.Errorf("chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return SignerNone, err
	}
	c.opts = opts
	c.from = opts.From
	c.signer = SignerKey
	c.Logger.Info("Using key signer", "from", c.from.Hex(), "chain_id", chainID.String())
	return c.signer, nil
}

func (c *Client) Signer() SignerKind {
	return c.signer
}

func (c *Client) From() common.Address {
	return c.from
}

// CanSign is false until ResolveSigner found a key or an unlocked account
func (c *Client) CanSign() bool {
	return c.signer != SignerNone
}

// Log broadcasts log(contentHash, zone) and returns the tx hash without waiting for a receipt
func (c *Client) Log(ctx context.Context, contentHash [32]byte, zone string) (string, error) {
	switch c.signer {
	case SignerKey:
		opts := *c.opts
		opts.Context = ctx
		tx, err := c.contract.Transact(&opts, "log", contentHash, zone)
		if err != nil {
			return "", err
		}
		return tx.Hash().Hex(), nil
	case SignerUnlocked:
		data, err := auditABI.Pack("log", contentHash, zone)
		if err != nil {
			return "", err
		}
		var hash common.Hash
		err = c.rpc.CallContext(ctx, &hash, "eth_sendTransaction", map[string]interface{}{
			"from": c.from,
			"to":   c.address,
			"data": hexutil.Bytes(data),
		})
		if err != nil {
			return "", err
		}
		return hash.Hex(), nil
	default:
		return "", anchor.ErrUnavailable
	}
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) query(from uint64, to *uint64) geth.FilterQuery {
	q := geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{LogTopic()}},
	}
	if to != nil {
		q.ToBlock = new(big.Int).SetUint64(*to)
	}
	return q
}

func (c *Client) FilterLogs(ctx context.Context, from uint64, to *uint64) ([]types.LogEvent, error) {
	logs, err := c.eth.FilterLogs(ctx, c.query(from, to))
	if err != nil {
		return nil, err
	}
	events := make([]types.LogEvent, 0, len(logs))
	for _, l := range logs {
		events = append(events, DecodeLog(l))
	}
	return events, nil
}

// SubscribeLogs streams decoded Log events from the head of the chain. It needs a streaming endpoint.
func (c *Client) SubscribeLogs(ctx context.Context, sink chan<- types.LogEvent) (event.Subscription, error) {
	if c.stream == nil {
		return nil, errors.New("log subscription needs a websocket endpoint")
	}
	raw := make(chan gethtypes.Log, 64)
	q := c.query(0, nil)
	q.FromBlock = nil
	sub, err := c.stream.SubscribeFilterLogs(ctx, q, raw)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-raw:
				select {
				case sink <- DecodeLog(l):
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// DecodeLog maps a raw log onto a LogEvent; failures are reported through LogEvent.Err
func DecodeLog(l gethtypes.Log) types.LogEvent {
	ev := types.LogEvent{
		TxID:        l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		Removed:     l.Removed,
	}
	fail := func(err error) types.LogEvent {
		ev.Err = &anchor.DecodeError{TxID: ev.TxID, Index: l.Index, Err: err}
		return ev
	}
	if len(l.Topics) < 2 {
		return fail(fmt.Errorf("expected 2 topics, got %d", len(l.Topics)))
	}
	if l.Topics[0] != LogTopic() {
		return fail(fmt.Errorf("unexpected topic %s", l.Topics[0].Hex()))
	}
	ev.ContentHash = l.Topics[1].Hex()
	var out struct {
		Zone  string
		Ts    *big.Int
		Actor common.Address
	}
	if err := auditABI.UnpackIntoInterface(&out, "Log", l.Data); err != nil {
		return fail(err)
	}
	ev.Zone = out.Zone
	if out.Ts != nil && out.Ts.IsUint64() {
		ev.Timestamp = out.Ts.Uint64()
	}
	ev.Actor = out.Actor.Hex()
	return ev
}

func (c *Client) Close() {
	if c.stream != nil {
		c.stream.Close()
	}
	c.rpc.Close()
}
