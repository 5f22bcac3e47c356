package blockchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// LoanPosition mirrors the contract's userLoans view.
type LoanPosition struct {
	Active          bool
	Principal       decimal.Decimal
	InterestAccrued decimal.Decimal
	LastUpdate      time.Time
}

// WithdrawableFunds mirrors getWithdrawable.
type WithdrawableFunds struct {
	Withdrawable decimal.Decimal
	UsedForLoan  decimal.Decimal
}

// Yields mirrors getYields.
type Yields struct {
	Gross                decimal.Decimal
	Net                  decimal.Decimal
	UsedForLoanRepayment decimal.Decimal
}

// PoolContract is the savings/loan pool contract as seen by this service:
// four write entrypoints returning transaction hashes and three read views.
// All calls go through the failover client.
type PoolContract struct {
	client       *FailoverClient
	contractAddr string
	fromAddress  string
	gasLimit     uint64
	decimals     int32
}

func NewPoolContract(client *FailoverClient, contractAddr, fromAddress string, gasLimit uint64, decimals int32) (*PoolContract, error) {
	if !addressPattern.MatchString(strings.TrimSpace(contractAddr)) {
		return nil, fmt.Errorf("invalid LENDING_POOL_CONTRACT address")
	}
	if !addressPattern.MatchString(strings.TrimSpace(fromAddress)) {
		return nil, fmt.Errorf("invalid CHAIN_FROM_ADDRESS")
	}
	if gasLimit == 0 {
		gasLimit = 300000
	}
	if decimals <= 0 {
		decimals = 18
	}
	return &PoolContract{
		client:       client,
		contractAddr: strings.ToLower(strings.TrimSpace(contractAddr)),
		fromAddress:  strings.ToLower(strings.TrimSpace(fromAddress)),
		gasLimit:     gasLimit,
		decimals:     decimals,
	}, nil
}

func (p *PoolContract) Address() string { return p.contractAddr }

func (p *PoolContract) Borrow(ctx context.Context, token string, amount decimal.Decimal) (string, error) {
	data, err := encodeCall("borrow(address,uint256)", addressWord(token), amountWord(amount, p.decimals))
	if err != nil {
		return "", err
	}
	return p.client.SendTransaction(ctx, p.fromAddress, p.contractAddr, data, p.gasLimit)
}

func (p *PoolContract) Repay(ctx context.Context, token string, amount decimal.Decimal) (string, error) {
	data, err := encodeCall("repay(address,uint256)", addressWord(token), amountWord(amount, p.decimals))
	if err != nil {
		return "", err
	}
	return p.client.SendTransaction(ctx, p.fromAddress, p.contractAddr, data, p.gasLimit)
}

func (p *PoolContract) Deposit(ctx context.Context, token string, amount decimal.Decimal) (string, error) {
	data, err := encodeCall("deposit(address,uint256)", addressWord(token), amountWord(amount, p.decimals))
	if err != nil {
		return "", err
	}
	return p.client.SendTransaction(ctx, p.fromAddress, p.contractAddr, data, p.gasLimit)
}

func (p *PoolContract) Withdraw(ctx context.Context, token string) (string, error) {
	data, err := encodeCall("withdraw(address)", addressWord(token))
	if err != nil {
		return "", err
	}
	return p.client.SendTransaction(ctx, p.fromAddress, p.contractAddr, data, p.gasLimit)
}

func (p *PoolContract) UserLoans(ctx context.Context, userAddr, token string) (*LoanPosition, error) {
	data, err := encodeCall("userLoans(address,address)", addressWord(userAddr), addressWord(token))
	if err != nil {
		return nil, err
	}
	res, err := p.client.Call(ctx, "", p.contractAddr, data)
	if err != nil {
		return nil, err
	}
	words := abiWords(res)
	if len(words) < 4 {
		return nil, fmt.Errorf("userLoans: short return data")
	}
	lastUpdate := wordToInt64(words[3])
	return &LoanPosition{
		Active:          wordToInt64(words[0]) != 0,
		Principal:       wordToAmount(words[1], p.decimals),
		InterestAccrued: wordToAmount(words[2], p.decimals),
		LastUpdate:      time.Unix(lastUpdate, 0).UTC(),
	}, nil
}

func (p *PoolContract) GetWithdrawable(ctx context.Context, token, userAddr string) (*WithdrawableFunds, error) {
	data, err := encodeCall("getWithdrawable(address,address)", addressWord(token), addressWord(userAddr))
	if err != nil {
		return nil, err
	}
	res, err := p.client.Call(ctx, "", p.contractAddr, data)
	if err != nil {
		return nil, err
	}
	words := abiWords(res)
	if len(words) < 2 {
		return nil, fmt.Errorf("getWithdrawable: short return data")
	}
	return &WithdrawableFunds{
		Withdrawable: wordToAmount(words[0], p.decimals),
		UsedForLoan:  wordToAmount(words[1], p.decimals),
	}, nil
}

func (p *PoolContract) GetYields(ctx context.Context, token, userAddr string) (*Yields, error) {
	data, err := encodeCall("getYields(address,address)", addressWord(token), addressWord(userAddr))
	if err != nil {
		return nil, err
	}
	res, err := p.client.Call(ctx, "", p.contractAddr, data)
	if err != nil {
		return nil, err
	}
	words := abiWords(res)
	if len(words) < 3 {
		return nil, fmt.Errorf("getYields: short return data")
	}
	return &Yields{
		Gross:                wordToAmount(words[0], p.decimals),
		Net:                  wordToAmount(words[1], p.decimals),
		UsedForLoanRepayment: wordToAmount(words[2], p.decimals),
	}, nil
}

// encodeCall builds calldata as the 4-byte keccak selector of the signature
// followed by 32-byte argument words.
func encodeCall(signature string, args ...string) (string, error) {
	var sb strings.Builder
	sb.WriteString(selector(signature))
	for _, arg := range args {
		if len(arg) != 64 {
			return "", fmt.Errorf("invalid abi word %q", arg)
		}
		sb.WriteString(arg)
	}
	return sb.String(), nil
}

func selector(signature string) string {
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write([]byte(signature))
	return "0x" + hex.EncodeToString(hash.Sum(nil)[:4])
}

func eventTopic(signature string) string {
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write([]byte(signature))
	return "0x" + hex.EncodeToString(hash.Sum(nil))
}

func addressWord(addr string) string {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(addr)), "0x")
	if len(clean) > 64 {
		clean = clean[len(clean)-64:]
	}
	return strings.Repeat("0", 64-len(clean)) + clean
}

// amountWord scales a decimal amount to the chain's fixed-point integer
// representation and encodes it as a 32-byte word.
func amountWord(amount decimal.Decimal, decimals int32) string {
	scaled := amount.Shift(decimals).Truncate(0)
	hexStr := scaled.BigInt().Text(16)
	if len(hexStr) > 64 {
		hexStr = hexStr[len(hexStr)-64:]
	}
	return strings.Repeat("0", 64-len(hexStr)) + hexStr
}

func abiWords(dataHex string) []string {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(dataHex)), "0x")
	if clean == "" || len(clean)%64 != 0 {
		return nil
	}
	words := make([]string, 0, len(clean)/64)
	for i := 0; i+64 <= len(clean); i += 64 {
		words = append(words, clean[i:i+64])
	}
	return words
}

func wordToInt64(word string) int64 {
	n, ok := new(big.Int).SetString(word, 16)
	if !ok || !n.IsInt64() {
		return 0
	}
	return n.Int64()
}

// wordToAmount converts a raw fixed-point chain integer into a decimal amount.
func wordToAmount(word string, decimals int32) decimal.Decimal {
	n, ok := new(big.Int).SetString(word, 16)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, -decimals)
}
