// Package contractlookup implements SPEC_FULL.md §13: a thin client
// for the out-of-scope contract-lookup microservice named in spec §1.
// internal/core constructs it when a lookup URL is configured, but no
// HTTP handler calls it, and it is never on the hot tick path.
package contractlookup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Contract is the subset of lookup-service fields this service cares
// about.
type Contract struct {
	ContractID int32  `json:"contract_id"`
	Symbol     string `json:"symbol"`
	Exchange   string `json:"exchange"`
	SecType    string `json:"sec_type"`
}

// Client is implemented by both the real resty-backed client and the
// no-op used when contract_lookup_url is unset.
type Client interface {
	Lookup(ctx context.Context, contractID int32) (Contract, error)
}

type noop struct{}

func (noop) Lookup(context.Context, int32) (Contract, error) {
	return Contract{}, ErrDisabled
}

// ErrDisabled is returned by the no-op client; callers should treat it
// as "no enrichment available" and fall back to the bare contract_id.
var ErrDisabled = fmt.Errorf("contract lookup: disabled (contract_lookup_url not configured)")

// New returns a no-op Client when baseURL is empty, otherwise a
// resty-backed Client against the configured lookup service.
func New(baseURL string, logger zerolog.Logger) Client {
	if baseURL == "" {
		return noop{}
	}
	return &restyClient{
		http:   resty.New().SetBaseURL(baseURL).SetTimeout(2 * time.Second),
		logger: logger.With().Str("component", "contractlookup").Logger(),
	}
}

type restyClient struct {
	http   *resty.Client
	logger zerolog.Logger
}

func (c *restyClient) Lookup(ctx context.Context, contractID int32) (Contract, error) {
	var out Contract
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/contracts/%d", contractID))
	if err != nil {
		return Contract{}, fmt.Errorf("contract lookup request: %w", err)
	}
	if resp.IsError() {
		return Contract{}, fmt.Errorf("contract lookup: upstream returned %s", resp.Status())
	}
	return out, nil
}
