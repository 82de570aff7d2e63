package bench

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rzbill/flobuf/internal/event"
)

// datasetEpoch anchors the synthetic time field so datasets are identical
// across runs.
var datasetEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var severities = []string{"debug", "info", "info", "info", "warning", "error"}

// Dataset builds n events from seed. The same arguments always produce the
// same events and, when withAttachments is set, the same attachment bytes,
// written under dir. Roughly one event in ten carries report=true.
func Dataset(seed int64, n int, withAttachments bool, attachmentSize int, dir string) ([]event.Event, error) {
	if n < 0 {
		return nil, fmt.Errorf("bench: negative event count %d", n)
	}
	if withAttachments {
		if dir == "" {
			return nil, fmt.Errorf("bench: attachments need a directory")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		fields := map[string]any{
			"seq":      i,
			"time":     datasetEpoch.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			"severity": severities[rng.Intn(len(severities))],
			"report":   rng.Intn(10) == 0,
			"message":  randomText(rng, 16+rng.Intn(48)),
		}
		var atts map[string]string
		if withAttachments {
			path := filepath.Join(dir, fmt.Sprintf("att-%06d.bin", i))
			data := make([]byte, attachmentSize)
			rng.Read(data)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return nil, err
			}
			atts = map[string]string{"payload": path}
		}
		ev, err := event.BuildEvent(fields, atts)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

const alphabet = "abcdefghijklmnopqrstuvwxyz     "

func randomText(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
