// Package wsmempool is a reference MempoolSource adapter that reads
// pending-transaction events from a WebSocket subscription endpoint.
// Production deployments bind their own provider SDKs; this adapter
// exists so the core can be exercised end-to-end against any endpoint
// speaking a minimal JSON pending-tx frame.
package wsmempool

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sentinelerr"
	"github.com/viscous-236/Sentinell-sub001/internal/sentinel/sources"
)

// frame is the JSON shape expected from the endpoint.
type frame struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	ValueWei    string `json:"valueWei"`
	GasPriceWei string `json:"gasPriceWei"`
	Calldata    string `json:"calldata"`
	TsMs        int64  `json:"tsMs"`
}

// Source subscribes to one chain's pending-transaction stream. A
// dropped connection makes Next return an error and is re-dialed on
// the following call; the reconnect rate is capped so a flapping
// endpoint cannot spin the dialer.
type Source struct {
	chain     string
	url       string
	logger    *zap.Logger
	reconnect *rate.Limiter

	conn *websocket.Conn
}

// New constructs a Source for chain at url.
func New(chain, url string, logger *zap.Logger) *Source {
	return &Source{
		chain:     chain,
		url:       url,
		logger:    logger,
		reconnect: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

// Chain identifies which chain this source observes.
func (s *Source) Chain() string { return s.chain }

// Next blocks until one pending transaction arrives, the context is
// cancelled, or the connection fails beyond recovery this call.
func (s *Source) Next(ctx context.Context) (sources.PendingTx, error) {
	if s.conn == nil {
		if err := s.dial(ctx); err != nil {
			return sources.PendingTx{}, err
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}

	var f frame
	if err := s.conn.ReadJSON(&f); err != nil {
		closed := websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
		s.conn.Close()
		s.conn = nil
		if closed {
			s.logger.Warn("mempool subscription closed unexpectedly",
				zap.String("chain", s.chain), zap.Error(err))
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return sources.PendingTx{}, fmt.Errorf("%w: %s", sentinelerr.ErrSourceTimeout, s.chain)
		}
		return sources.PendingTx{}, fmt.Errorf("wsmempool: read: %w", err)
	}

	value, ok := new(big.Int).SetString(f.ValueWei, 10)
	if !ok {
		value = big.NewInt(0)
	}
	gasPrice, ok := new(big.Int).SetString(f.GasPriceWei, 10)
	if !ok {
		gasPrice = big.NewInt(0)
	}
	tsMs := f.TsMs
	if tsMs == 0 {
		tsMs = time.Now().UnixMilli()
	}
	calldata, err := hex.DecodeString(strings.TrimPrefix(f.Calldata, "0x"))
	if err != nil {
		calldata = nil
	}
	return sources.PendingTx{
		Hash:        f.Hash,
		From:        f.From,
		To:          f.To,
		ValueWei:    value,
		GasPriceWei: gasPrice,
		Calldata:    calldata,
		Chain:       s.chain,
		TsMs:        tsMs,
	}, nil
}

func (s *Source) dial(ctx context.Context) error {
	if err := s.reconnect.Wait(ctx); err != nil {
		return fmt.Errorf("wsmempool: waiting for reconnect slot: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("wsmempool: dialing %s: %w", s.url, err)
	}
	s.conn = conn
	return nil
}

// Close tears down the connection if one is open.
func (s *Source) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
