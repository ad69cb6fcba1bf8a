package exec

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET CLOB CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Blocking HTTP client for order creation and FOK submission. Request
// auth uses the CLOB key/secret/passphrase headers; order payloads are
// signed with the wallet key.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ClientConfig holds venue endpoints and credentials
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	PrivateKey string // hex, no 0x prefix
	Timeout    time.Duration
}

// Client talks to the Polymarket CLOB REST API
type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	httpClient *http.Client
}

// NewClient builds the venue client; the private key is optional until
// live order signing is needed.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	log.Info().Str("address", c.address).Msg("🚀 Venue client initialized")
	return c, nil
}

// CreateMarketOrder builds and signs a marketable FOK buy payload
func (c *Client) CreateMarketOrder(args OrderArgs) (SignedOrder, error) {
	payload := map[string]interface{}{
		"tokenID":       args.TokenID,
		"amount":        args.AmountUSD.String(),
		"price":         args.Price.String(),
		"side":          string(args.Side),
		"orderType":     "FOK",
		"negRisk":       args.NegRisk,
		"nonce":         time.Now().UnixNano(),
		"feeRateBps":    "0",
		"signatureType": 2,
	}

	signature, err := c.signOrder(payload)
	if err != nil {
		return SignedOrder{}, fmt.Errorf("signing failed: %w", err)
	}

	return SignedOrder{
		TokenID:   args.TokenID,
		Payload:   payload,
		Signature: signature,
	}, nil
}

// PostOrder submits the signed order; classifies venue rejections into
// the reason tags the executor understands.
func (c *Client) PostOrder(order SignedOrder, fok bool) (PostResult, error) {
	body := map[string]interface{}{
		"order":     order.Payload,
		"signature": order.Signature,
		"orderType": "FOK",
	}
	if !fok {
		body["orderType"] = "GTC"
	}

	resp, err := c.post("/order", body)
	if err != nil {
		return PostResult{}, err
	}

	var result struct {
		Success bool   `json:"success"`
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"errorMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return PostResult{}, fmt.Errorf("parse response: %w", err)
	}

	if !result.Success && result.Error != "" {
		return PostResult{
			Accepted:     false,
			RejectReason: classifyReject(result.Error),
		}, nil
	}
	// FOK "matched" means fully filled; anything else was killed
	if result.Status != "" && result.Status != "matched" {
		return PostResult{Accepted: false, RejectReason: types.VenueNoLiquidity}, nil
	}
	return PostResult{Accepted: true, VenueOrderID: result.OrderID}, nil
}

// GetUSDCBalance returns the wallet's available USDC
func (c *Client) GetUSDCBalance(wallet string) (decimal.Decimal, error) {
	resp, err := c.get("/balance-allowance?asset_type=COLLATERAL&signer=" + wallet)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return balance, nil
}

func classifyReject(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "liquidity") || strings.Contains(lower, "unmatched"):
		return types.VenueNoLiquidity
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many"):
		return types.VenueRateLimited
	case strings.Contains(lower, "signature"):
		return types.VenueInvalidSignature
	case strings.Contains(lower, "balance") || strings.Contains(lower, "allowance"):
		return types.VenueInsufficientBalance
	default:
		return types.VenueUnknown
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(path string) ([]byte, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%s: HTTP 429", types.VenueRateLimited)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNING
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) signOrder(payload map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, _ := json.Marshal(payload)
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

func (c *Client) hmacSign(message string) string {
	hash := crypto.Keccak256([]byte(message + c.apiSecret))
	return hexutil.Encode(hash)
}
