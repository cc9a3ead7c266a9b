package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard reading from stdin
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
}

// NewWizardWithIO creates a wizard over explicit streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Kolam Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	// Provider
	fmt.Fprintln(w.out, "Session capability provider:")
	for {
		fmt.Fprint(w.out, "Provider (anthropic/openai) [anthropic]: ")
		provider, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if provider == "" {
			provider = "anthropic"
		}

		if err := validator.ValidateProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}

		cfg.Runtime.Provider = provider
		break
	}

	// API key
	for {
		fmt.Fprintf(w.out, "%s API key: ", cfg.Runtime.Provider)
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if err := validator.ValidateAPIKey(key, cfg.Runtime.Provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}

		cfg.Runtime.APIKey = key
		break
	}

	// Model
	defaultModel := "claude-sonnet-4"
	if cfg.Runtime.Provider == "openai" {
		defaultModel = "gpt-4-turbo"
	}
	fmt.Fprintf(w.out, "Model name [%s]: ", defaultModel)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultModel
	}
	cfg.Runtime.Model = model

	fmt.Fprintln(w.out)

	// Pool
	fmt.Fprintln(w.out, "Session pool:")
	fmt.Fprintf(w.out, "Warm sessions to keep ready [%d]: ", cfg.Pool.TargetSize)
	target, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if target != "" {
		n, err := strconv.Atoi(target)
		if err != nil || n < 0 {
			fmt.Fprintf(w.out, "Warning: invalid size %q, using default (%d)\n", target, cfg.Pool.TargetSize)
		} else {
			cfg.Pool.TargetSize = n
		}
	}

	fmt.Fprintln(w.out)

	// Gateway
	fmt.Fprintln(w.out, "Gateway:")
	fmt.Fprintf(w.out, "Listen port [%d]: ", cfg.Gateway.Port)
	port, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			fmt.Fprintf(w.out, "Warning: invalid port %q, using default (%d)\n", port, cfg.Gateway.Port)
		} else if err := validator.ValidatePort(n); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (%d)\n", err, cfg.Gateway.Port)
		} else {
			cfg.Gateway.Port = n
		}
	}

	fmt.Fprint(w.out, "Shared secret (press Enter to generate): ")
	secret, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret = uuid.NewString()
		fmt.Fprintf(w.out, "Generated shared secret: %s\n", secret)
	}
	cfg.Gateway.SharedSecret = secret

	fmt.Fprintln(w.out)

	// Log Level
	fmt.Fprintln(w.out, "Logging:")
	fmt.Fprint(w.out, "Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
