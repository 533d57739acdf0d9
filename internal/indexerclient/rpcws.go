package indexerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tycho-sync/block-feed/pkg/feed"
)

// RPCWS is the concrete Client adapter: HTTP+JSON for component discovery
// and snapshot fetch, a gorilla/websocket connection per extractor for the
// delta stream. Mirrors internal/chain.OnChainClient's shape: one small
// struct wrapping two transports behind the interface the rest of the
// program depends on.
type RPCWS struct {
	httpClient *http.Client
	rpcURL     string
	wsURL      string
	logger     zerolog.Logger
}

// NewRPCWS validates both endpoints are non-empty and returns a ready
// adapter. It does not dial the WS endpoint eagerly — Subscribe dials lazily
// per extractor so one extractor's outage doesn't block the others.
func NewRPCWS(rpcURL, wsURL string, logger zerolog.Logger) (*RPCWS, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("indexerclient: rpc url is required")
	}
	if wsURL == "" {
		return nil, fmt.Errorf("indexerclient: ws url is required")
	}
	return &RPCWS{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		rpcURL:     rpcURL,
		wsURL:      wsURL,
		logger:     logger.With().Str("component", "indexerclient").Logger(),
	}, nil
}

type listComponentsRequest struct {
	Extractor feed.ExtractorId `json:"extractor"`
	MinTVL    float64          `json:"min_tvl"`
}

type listComponentsResponse struct {
	Components []feed.ComponentId `json:"components"`
}

// ListComponents implements Client.
func (c *RPCWS) ListComponents(ctx context.Context, extractor feed.ExtractorId, filter Filter) ([]feed.ComponentId, error) {
	var out listComponentsResponse
	if err := c.post(ctx, "/list_components", listComponentsRequest{
		Extractor: extractor,
		MinTVL:    filter.MinTVL,
	}, &out); err != nil {
		return nil, fmt.Errorf("list_components: %w", err)
	}
	return out.Components, nil
}

type fetchSnapshotRequest struct {
	Extractor  feed.ExtractorId   `json:"extractor"`
	Components []feed.ComponentId `json:"components"`
}

// FetchSnapshot implements Client.
func (c *RPCWS) FetchSnapshot(ctx context.Context, extractor feed.ExtractorId, components []feed.ComponentId) (feed.Snapshot, error) {
	var out feed.Snapshot
	if err := c.post(ctx, "/fetch_snapshot", fetchSnapshotRequest{
		Extractor:  extractor,
		Components: components,
	}, &out); err != nil {
		return feed.Snapshot{}, fmt.Errorf("fetch_snapshot: %w", err)
	}
	if out.States == nil {
		out.States = make(map[feed.ComponentId]feed.ComponentWithState)
	}
	if out.VMAccounts == nil {
		out.VMAccounts = make(map[common.Address]feed.ContractData)
	}
	return out, nil
}

func (c *RPCWS) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc call returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// deltaFrame is the JSON frame decoded off the websocket for one delta
// batch.
type deltaFrame struct {
	Header feed.BlockHeader `json:"header"`
	Delta  feed.Delta       `json:"delta"`
}

// Subscribe implements Client. It dials a dedicated websocket connection
// for extractor and decodes one JSON frame per delta batch, forwarding each
// onto the returned channel until the connection closes or ctx is
// cancelled.
func (c *RPCWS) Subscribe(ctx context.Context, extractor feed.ExtractorId) (<-chan DeltaBatch, <-chan error, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := fmt.Sprintf("%s?extractor=%s", c.wsURL, extractor)

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: dial: %w", extractor, err)
	}

	batches := make(chan DeltaBatch, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}

			var frame deltaFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				select {
				case errs <- fmt.Errorf("subscribe %s: malformed frame: %w", extractor, err):
				default:
				}
				return
			}

			select {
			case batches <- DeltaBatch{Header: frame.Header, Delta: frame.Delta}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return batches, errs, nil
}
