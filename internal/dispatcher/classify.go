package dispatcher

import (
	"path"
	"strings"

	"hopper/internal/model"
)

// Classify maps an object key to the worker kind that should handle it.
// The rules are deliberately closed: a key no rule recognizes stays
// KindNone and is logged and dropped rather than guessed at.
func Classify(key string) model.Kind {
	name := strings.ToLower(path.Base(key))

	if strings.HasSuffix(name, ".mbox") {
		return model.KindMbox
	}

	if strings.HasSuffix(name, ".csv") {
		if strings.Contains(name, "amazon") || strings.Contains(name, "retail.orderhistory") {
			return model.KindAmazonHistory
		}
	}

	return model.KindNone
}

// isArchive reports whether the key names a zip upload to fan out
func isArchive(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), ".zip")
}

// archiveBase is the archive file name without its .zip suffix
func archiveBase(key string) string {
	base := path.Base(key)
	return base[:len(base)-len(".zip")]
}

// parseContext recovers owner and job ids from the key layout
// uploads/{owner}/{job}/... or extracted/{owner}/{job}/...
func parseContext(key string) (ownerID, jobID string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 4 {
		return "", "", false
	}
	if parts[0] != "uploads" && parts[0] != "extracted" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
