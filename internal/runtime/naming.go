package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Image and container names are deterministic functions of the server
// definition id. Changing the derivation breaks reuse and cleanup of
// artifacts created by earlier versions, so treat these as stable
// contracts.

const namePrefix = "toolgate-"

// ImageTag returns the image tag built for a definition id.
func ImageTag(defID string) string {
	return namePrefix + defID + ":latest"
}

// ContainerName returns the container name used for a definition id.
func ContainerName(defID string) string {
	return namePrefix + defID
}

// shortIDLimit is the longest definition id used verbatim as a namespace
// prefix before switching to the hashed form.
const shortIDLimit = 12

// ShortID derives the namespacing prefix for a definition id. Short ids
// are used as-is (with hyphens folded to underscores so the result stays a
// valid tool-name segment); longer ids keep a recognizable stem plus a
// hash suffix so two long ids sharing a stem still get distinct prefixes.
func ShortID(defID string) string {
	if len(defID) <= shortIDLimit {
		return sanitizeSegment(defID)
	}
	sum := sha256.Sum256([]byte(defID))
	return sanitizeSegment(defID[:8]) + hex.EncodeToString(sum[:2])
}

func sanitizeSegment(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}
