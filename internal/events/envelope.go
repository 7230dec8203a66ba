// Package events relays ledger outbox rows to Kafka and archives them to S3. The database is
// the source of truth: an event is only marked done after every configured sink accepted it.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ILLUVRSE/commission-ledger/internal/canonical"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/signing"
)

// Envelope is the signed, canonical form of a ledger event as published downstream.
type Envelope struct {
	Bytes []byte
	Hash  string
}

func envelopeBody(ev models.LedgerEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":          ev.ID.String(),
		"eventType":   ev.EventType,
		"aggregateId": ev.AggregateID,
		"payload":     ev.Payload,
		"ts":          ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Seal canonicalizes the event, hashes the canonical body and signs it. The published envelope
// carries the body fields plus hash, signature and signerId.
func Seal(ctx context.Context, signer signing.Signer, ev models.LedgerEvent) (Envelope, error) {
	body := envelopeBody(ev)
	canon, err := canonical.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("canonicalize event %s: %w", ev.ID, err)
	}
	sum := sha256.Sum256(canon)
	hash := hex.EncodeToString(sum[:])

	body["hash"] = hash
	if signer != nil {
		sig, err := signer.Sign(ctx, canon)
		if err != nil {
			return Envelope{}, fmt.Errorf("sign event %s: %w", ev.ID, err)
		}
		body["signature"] = base64.StdEncoding.EncodeToString(sig)
		body["signerId"] = signer.SignerID()
	}

	out, err := canonical.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("canonicalize envelope %s: %w", ev.ID, err)
	}
	return Envelope{Bytes: out, Hash: hash}, nil
}
