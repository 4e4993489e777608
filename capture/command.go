package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/photoremote/idgenerator"
	"github.com/cyberinferno/photoremote/orientation"
)

// DefaultCommandTimeout bounds one external capture.
const DefaultCommandTimeout = 10 * time.Second

// RotationPlaceholder in a CommandCamera argument is replaced by the current
// target rotation in degrees.
const RotationPlaceholder = "{rotation}"

// CommandCamera runs an external still-capture program that writes one JPEG
// to stdout, such as `rpicam-jpeg --nopreview --output -`.
type CommandCamera struct {
	name    string
	args    []string
	timeout time.Duration
	refs    *idgenerator.RefGenerator

	mu       sync.Mutex
	rotation orientation.State
}

// NewCommandCamera returns a CommandCamera. A non-positive timeout selects
// DefaultCommandTimeout.
//
// Parameters:
//   - name: Program to run, looked up in PATH
//   - args: Program arguments; RotationPlaceholder is substituted per capture
//   - timeout: Upper bound for one capture
//   - refs: Reference generator; nil selects a default one
//
// Returns:
//   - The camera
func NewCommandCamera(name string, args []string, timeout time.Duration, refs *idgenerator.RefGenerator) *CommandCamera {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if refs == nil {
		refs = idgenerator.NewRefGenerator("")
	}

	return &CommandCamera{name: name, args: args, timeout: timeout, refs: refs}
}

// SetTargetRotation implements OrientationAware.
func (c *CommandCamera) SetTargetRotation(state orientation.State) {
	c.mu.Lock()
	c.rotation = state
	c.mu.Unlock()
}

// Capture implements Camera.
func (c *CommandCamera) Capture(ctx context.Context) (Photo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.name, c.expandArgs()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Photo{}, fmt.Errorf("%s timed out after %s", c.name, c.timeout)
		}
		return Photo{}, fmt.Errorf("%s failed: %w (stderr: %s)", c.name, err, strings.TrimSpace(stderr.String()))
	}

	if stdout.Len() == 0 {
		return Photo{}, fmt.Errorf("%s: %w", c.name, ErrEmptyCapture)
	}

	return Photo{Ref: c.refs.Next(), Data: stdout.Bytes()}, nil
}

func (c *CommandCamera) expandArgs() []string {
	c.mu.Lock()
	deg := strconv.Itoa(c.rotation.Degrees())
	c.mu.Unlock()

	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = strings.ReplaceAll(a, RotationPlaceholder, deg)
	}

	return args
}
