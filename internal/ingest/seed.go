package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/mulewatch/internal/txstore"
)

// LoadSeedFile reads a JSON array of payloads. Entries without an id get
// "seed_<index>" so that reloading the same file yields the same ids;
// entries without a timestamp get now.
func LoadSeedFile(path string, now time.Time) ([]txstore.Transaction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read seed file: %w", err)
	}
	var payloads []Payload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("ingest: parse seed file %s: %w", path, err)
	}
	txs := make([]txstore.Transaction, len(payloads))
	for i, p := range payloads {
		txs[i] = p.Transaction(fmt.Sprintf("seed_%d", i), now)
	}
	return txs, nil
}
