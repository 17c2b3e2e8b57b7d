// Copyright 2026 OpenBCH Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/session"
)

// httpBroadcaster submits finalized transactions to an indexer or node
// endpoint as raw hex and reads the txid back. Non-2xx responses are
// treated as mempool rejections and surfaced as BroadcastRejectedError so
// the coordinator never auto-retries them.
type httpBroadcaster struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func newHTTPBroadcaster(url string, logger *slog.Logger) *httpBroadcaster {
	return &httpBroadcaster{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (b *httpBroadcaster) Broadcast(
	ctx context.Context,
	tx *wire.MsgTx,
) (chainhash.Hash, error) {
	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return chainhash.Hash{}, fmt.Errorf(
			"serializing transaction: %w",
			err,
		)
	}
	body := hex.EncodeToString(raw.Bytes())
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		b.url,
		strings.NewReader(body),
	)
	if err != nil {
		return chainhash.Hash{}, err
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := b.client.Do(req)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("broadcast request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("reading response: %w", err)
	}
	reply := strings.TrimSpace(string(respBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return chainhash.Hash{}, &session.BroadcastRejectedError{
			Reason: reply,
		}
	}
	txid, err := chainhash.NewHashFromStr(reply)
	if err != nil {
		// Endpoint accepted the transaction but returned something
		// other than a txid; fall back to the local hash
		b.logger.Warn(
			"broadcast endpoint returned unparseable txid",
			"component", "broadcaster",
			"reply", reply,
		)
		local := tx.TxHash()
		return local, nil
	}
	return *txid, nil
}
