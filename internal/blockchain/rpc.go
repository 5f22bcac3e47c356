package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Address   string
	Topics    [][]string
}

type LogEntry struct {
	Address         string
	Topics          []string
	Data            string
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint64
	Removed         bool
}

// rpcTransport issues raw JSON-RPC calls against a single endpoint URL. The
// failover client owns endpoint selection; this type knows nothing about
// rotation.
type rpcTransport struct {
	httpClient *http.Client
}

func newRPCTransport() *rpcTransport {
	return &rpcTransport{httpClient: &http.Client{Timeout: 20 * time.Second}}
}

func (t *rpcTransport) call(ctx context.Context, endpoint, method string, params []any, out any) error {
	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	var payload struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.Error != nil {
		return &RPCError{Code: payload.Error.Code, Message: payload.Error.Message}
	}
	if len(payload.Result) == 0 {
		return fmt.Errorf("rpc empty result")
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return err
	}
	return nil
}

func (t *rpcTransport) blockNumber(ctx context.Context, endpoint string) (uint64, error) {
	var out string
	if err := t.call(ctx, endpoint, "eth_blockNumber", []any{}, &out); err != nil {
		return 0, err
	}
	return parseHexUint64(out)
}

func (t *rpcTransport) getLogs(ctx context.Context, endpoint string, filter LogFilter) ([]LogEntry, error) {
	reqFilter := map[string]any{
		"fromBlock": fmt.Sprintf("0x%x", filter.FromBlock),
		"toBlock":   fmt.Sprintf("0x%x", filter.ToBlock),
		"address":   filter.Address,
		"topics":    filter.Topics,
	}
	var rawLogs []struct {
		Address         string   `json:"address"`
		Topics          []string `json:"topics"`
		Data            string   `json:"data"`
		BlockNumber     string   `json:"blockNumber"`
		TransactionHash string   `json:"transactionHash"`
		LogIndex        string   `json:"logIndex"`
		Removed         bool     `json:"removed"`
	}
	if err := t.call(ctx, endpoint, "eth_getLogs", []any{reqFilter}, &rawLogs); err != nil {
		return nil, err
	}

	out := make([]LogEntry, 0, len(rawLogs))
	for _, item := range rawLogs {
		blockNum, err := parseHexUint64(item.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("invalid blockNumber in log: %w", err)
		}
		logIndex, err := parseHexUint64(item.LogIndex)
		if err != nil {
			return nil, fmt.Errorf("invalid logIndex in log: %w", err)
		}
		out = append(out, LogEntry{
			Address:         item.Address,
			Topics:          item.Topics,
			Data:            item.Data,
			BlockNumber:     blockNum,
			TransactionHash: item.TransactionHash,
			LogIndex:        logIndex,
			Removed:         item.Removed,
		})
	}
	return out, nil
}

func (t *rpcTransport) ethCall(ctx context.Context, endpoint, from, to, data string) (string, error) {
	callObj := map[string]string{"to": to, "data": data}
	if from != "" {
		callObj["from"] = from
	}
	var out string
	if err := t.call(ctx, endpoint, "eth_call", []any{callObj, "latest"}, &out); err != nil {
		return "", err
	}
	return out, nil
}

func (t *rpcTransport) sendTransaction(ctx context.Context, endpoint, from, to, data string, gasLimit uint64) (string, error) {
	txObj := map[string]string{
		"from":  from,
		"to":    to,
		"gas":   fmt.Sprintf("0x%x", gasLimit),
		"data":  data,
		"value": "0x0",
	}
	var txHash string
	if err := t.call(ctx, endpoint, "eth_sendTransaction", []any{txObj}, &txHash); err != nil {
		return "", err
	}
	if !strings.HasPrefix(txHash, "0x") {
		return "", fmt.Errorf("invalid tx hash response")
	}
	return txHash, nil
}

func parseHexUint64(v string) (uint64, error) {
	clean := strings.TrimSpace(strings.ToLower(v))
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	return strconv.ParseUint(clean, 16, 64)
}
