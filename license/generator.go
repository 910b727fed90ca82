package license

import (
	"strings"

	"devlog.app/licenses/models"
	"github.com/google/uuid"
)

type Generator interface {
	Generate() string
}

type GeneratorFunc func() string

func (f GeneratorFunc) Generate() string {
	return f()
}

// UUIDGenerator produces DEVLOG-<uppercase UUIDv4> keys. Uniqueness is
// probabilistic; nothing is checked against the store here.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string {
	return models.KeyPrefix + strings.ToUpper(uuid.Must(uuid.NewRandom()).String())
}
