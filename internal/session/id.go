package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator mints session identifiers of the form sess_<time>_<random>.
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator wraps a snowflake node.
func NewIDGenerator(node *snowflake.Node) *IDGenerator {
	return &IDGenerator{node: node}
}

// New returns a fresh, globally unique session id.
func (g *IDGenerator) New() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session id entropy: %w", err)
	}
	return "sess_" + g.node.Generate().Base36() + "_" + hex.EncodeToString(buf), nil
}
