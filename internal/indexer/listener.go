package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldbell/nftmarket/backend/internal/events"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
)

const (
	websocketReadLimitBytes = 16 << 20
	websocketWriteTimeout   = 5 * time.Second

	logsSubscribeRequestID = 1
)

type ListenerConfig struct {
	Endpoint      string
	ProgramID     solana.PublicKey
	Commitment    rpc.CommitmentType
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Listener follows program log notifications and forwards mint events to the
// sink as soon as they are announced.
type Listener struct {
	cfg     ListenerConfig
	sink    *Sink
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcEnvelope struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params *struct {
		Subscription uint64           `json:"subscription"`
		Result       logsNotification `json:"result"`
	} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type logsNotification struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Signature string          `json:"signature"`
		Err       json.RawMessage `json:"err"`
		Logs      []string        `json:"logs"`
	} `json:"value"`
}

func NewListener(cfg ListenerConfig, sink *Sink, metrics *Metrics, logger *slog.Logger) *Listener {
	return &Listener{
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		logger:  logger.With("component", "listener"),
		now:     time.Now,
	}
}

func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listener started", "endpoint", l.cfg.Endpoint, "program_id", l.cfg.ProgramID.String())
	supervise(ctx, superviseConfig{
		name:        "listener session",
		backoffBase: l.cfg.ReconnectBase,
		backoffMax:  l.cfg.ReconnectMax,
		onRestart:   l.metrics.reconnects.Inc,
	}, l.logger, func(ctx context.Context) (bool, error) {
		delivered, err := l.RunSession(ctx)
		return delivered > 0, err
	})
	l.logger.Info("listener stopped")
	return nil
}

// RunSession subscribes once and consumes notifications until the stream
// ends. It returns how many notifications were received.
func (l *Listener) RunSession(ctx context.Context) (int, error) {
	conn, _, err := dialWebsocket(ctx, l.cfg.Endpoint)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", l.cfg.Endpoint, err)
	}
	defer conn.Close()
	stop := closeConnOnContextDone(ctx, conn)
	defer stop()

	commitment := l.cfg.Commitment
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	if err := writeWebsocketJSON(conn, rpcRequest{
		JSONRPC: "2.0",
		ID:      logsSubscribeRequestID,
		Method:  "logsSubscribe",
		Params: []any{
			map[string]any{"mentions": []string{l.cfg.ProgramID.String()}},
			map[string]any{"commitment": commitment},
		},
	}); err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}

	delivered := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("read: %w", err)
		}

		var envelope rpcEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			l.logger.Warn("undecodable message", "err", err)
			continue
		}

		if envelope.ID != nil && *envelope.ID == logsSubscribeRequestID {
			if envelope.Error != nil {
				return delivered, fmt.Errorf("subscribe: %w", envelope.Error)
			}
			l.logger.Info("subscribed", "subscription", string(envelope.Result))
			continue
		}
		if envelope.Method != "logsNotification" || envelope.Params == nil {
			continue
		}

		delivered++
		l.metrics.notifications.Inc()
		l.handleNotification(ctx, envelope.Params.Result)
	}
}

func (l *Listener) handleNotification(ctx context.Context, notification logsNotification) {
	value := notification.Value
	if len(value.Err) > 0 && string(value.Err) != "null" {
		return
	}

	minted, failures := events.ExtractMintEvents(events.ParseLogs(value.Logs))
	for _, failure := range failures {
		l.metrics.parseFailures.Inc()
		l.logger.Warn("mint event rejected", "signature", value.Signature, "line", failure.Index, "err", failure.Err)
	}

	origin := Origin{
		Signature: value.Signature,
		Slot:      notification.Context.Slot,
		BlockTime: l.now().Unix(),
	}
	for _, event := range minted {
		if _, err := l.sink.RecordMint(ctx, SourceListener, MintEvent{NftMinted: event, Origin: origin}); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("mint event not stored", "mint", event.Mint.String(), "signature", value.Signature, "err", err)
		}
	}
}

func dialWebsocket(ctx context.Context, endpoint string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, resp, err
	}
	conn.SetReadLimit(websocketReadLimitBytes)
	return conn, resp, nil
}

func writeWebsocketJSON(conn *websocket.Conn, value any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(value)
}

func closeConnOnContextDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
