package vertebrae

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrUnknownDevice = errors.New("unknown device")

// Device selects where the network runs
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
)

// ParseDevice validates a device name
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case CPU, CUDA:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, s)
	}
}

// Network runs a forward pass of the disc detection model
type Network interface {
	Forward(ctx context.Context, input Tensor, device Device) (Tensor, error)
}

// CommandNetwork runs the forward pass in an external process. The input
// tensor is written to its stdin and the output tensor read from its stdout,
// both in the WriteTensor encoding.
type CommandNetwork struct {
	command string
	args    []string
}

// NewCommandNetwork creates a network backed by command
func NewCommandNetwork(command string, args []string) *CommandNetwork {
	return &CommandNetwork{command: command, args: args}
}

// Forward sends input to the process and decodes its heatmap
func (n *CommandNetwork) Forward(ctx context.Context, input Tensor, device Device) (Tensor, error) {
	var stdin, stdout, stderr bytes.Buffer
	if err := WriteTensor(&stdin, input); err != nil {
		return Tensor{}, err
	}

	args := append(append([]string{}, n.args...), "--device", string(device))
	cmd := exec.CommandContext(ctx, n.command, args...)
	cmd.Stdin = &stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Tensor{}, fmt.Errorf("detection backend failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out, err := ReadTensor(&stdout)
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to decode network output: %w", err)
	}
	return out, nil
}
