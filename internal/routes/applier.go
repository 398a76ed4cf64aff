package routes

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Validator checks the syntax of a staged configuration document
type Validator interface {
	Validate(path string) error
}

// Reloader asks the reverse-proxy process to pick up the active document
type Reloader interface {
	Reload(path string) error
}

// Applier swaps a synthesized document into the active position with a
// write-then-validate-then-rename sequence, so the previous valid document
// stays active whenever anything fails.
type Applier struct {
	activePath string
	validator  Validator
	reloader   Reloader
	logger     *logrus.Logger
}

// NewApplier creates an applier for the given active config path
func NewApplier(activePath string, validator Validator, reloader Reloader, logger *logrus.Logger) *Applier {
	return &Applier{
		activePath: activePath,
		validator:  validator,
		reloader:   reloader,
		logger:     logger,
	}
}

// Apply stages document, validates it, and atomically swaps it into place
func (a *Applier) Apply(document string) error {
	staging := a.activePath + ".staging"

	if err := os.WriteFile(staging, []byte(document), 0644); err != nil {
		return fmt.Errorf("failed to stage proxy config: %w", err)
	}

	if err := a.validator.Validate(staging); err != nil {
		if rmErr := os.Remove(staging); rmErr != nil {
			a.logger.WithError(rmErr).Warn("Failed to remove rejected staging config")
		}
		return fmt.Errorf("proxy config validation failed: %w", err)
	}

	if err := os.Rename(staging, a.activePath); err != nil {
		return fmt.Errorf("failed to activate proxy config: %w", err)
	}

	if err := a.reloader.Reload(a.activePath); err != nil {
		return fmt.Errorf("proxy reload failed: %w", err)
	}

	a.logger.WithField("path", a.activePath).Info("Applied proxy configuration")
	return nil
}

// CommandValidator validates a document by running the proxy binary
type CommandValidator struct {
	Binary string
}

// Validate runs "<binary> validate --config <path>"
func (v *CommandValidator) Validate(path string) error {
	out, err := exec.Command(v.Binary, "validate", "--config", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, string(out))
	}
	return nil
}

// CommandReloader reloads the proxy by running its reload subcommand
type CommandReloader struct {
	Binary string
}

// Reload runs "<binary> reload --config <path>"
func (r *CommandReloader) Reload(path string) error {
	out, err := exec.Command(r.Binary, "reload", "--config", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, string(out))
	}
	return nil
}
