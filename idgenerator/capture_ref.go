package idgenerator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RefTimeLayout is the timestamp part of a capture reference (yyyy-MM-dd-HH-mm-ss-SSS).
const RefTimeLayout = "2006-01-02-15-04-05.000"

// RefGenerator builds capture references of the form
// {prefix}{timestamp}-{seq}-{uuid8}. References are unique per process and
// sortable by capture time.
type RefGenerator struct {
	prefix string
	seq    *Sequence
	now    func() time.Time
	random func() string
}

// NewRefGenerator returns a RefGenerator using the given prefix (may be empty).
func NewRefGenerator(prefix string) *RefGenerator {
	return &RefGenerator{
		prefix: prefix,
		seq:    NewSequence(0),
		now:    time.Now,
		random: func() string { return uuid.NewString()[:8] },
	}
}

// Next returns a new capture reference.
func (g *RefGenerator) Next() string {
	ts := strings.Replace(g.now().Format(RefTimeLayout), ".", "-", 1)
	return fmt.Sprintf("%s%s-%d-%s", g.prefix, ts, g.seq.Next(), g.random())
}
