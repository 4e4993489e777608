package sensorfeed

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/cyberinferno/photoremote/logger"
)

// ReadLines feeds one text sample per line of r into sink until r ends or ctx
// is done. Blank lines and lines starting with '#' are skipped; malformed
// lines are logged and skipped.
//
// Parameters:
//   - ctx: Stops reading between lines when done
//   - r: Sample stream, for example stdin or a recorded file
//   - sink: Receiver of the samples
//   - log: Logger for malformed lines
//
// Returns:
//   - ctx.Err() if cancelled, the read error if any, or nil at end of input
func ReadLines(ctx context.Context, r io.Reader, sink Sink, log logger.Logger) error {
	if log == nil {
		log = logger.NewNop()
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		s, err := parseText(line)
		if err != nil {
			log.Warn("skipping sample line", logger.Field{Key: "line", Value: lineNo}, logger.Field{Key: "error", Value: err})
			continue
		}

		sink.Update(s.X, s.Y, s.Z)
	}

	return scanner.Err()
}
