// Package proxysetup implements the kiosk Proxy's interactive setup
// wizard, adapted from the teacher's internal/setup.RunWizard: same
// prompt/promptPort/writeConfig/systemd-start shape, generating a
// ProxyConfig YAML file instead of a BridgeConfig one.
package proxysetup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kioskbridge/tunnel/internal/config"
)

const (
	defaultConfigPath = "/etc/kioskproxy/config.yaml"
	defaultRoutesPath = "/etc/kioskproxy/routes.yaml"
	defaultHealthPort = "9091"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string // Override default config path
}

// RunWizard runs the interactive setup wizard for the kiosk Proxy. It
// takes io.Reader/io.Writer for testability, matching the teacher's
// RunWizard signature.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo kioskproxy setup\n\n")
	}

	fmt.Fprintln(out, "Kiosk Proxy Setup")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)

	serverURL, err := promptRequired(scanner, out, "Cloud Server WebSocket URL (e.g. wss://bridge.example.com/ws): ",
		func(v string) bool { return strings.HasPrefix(v, "ws://") || strings.HasPrefix(v, "wss://") },
		"server_url must start with ws:// or wss://")
	if err != nil {
		return err
	}

	token, err := promptRequired(scanner, out, "Kiosk credential/token: ", nil,
		"a token is required to authenticate to the Server")
	if err != nil {
		return err
	}

	routesPath := prompt(scanner, out, fmt.Sprintf("Routing config path [%s]: ", defaultRoutesPath), defaultRoutesPath)
	if _, err := os.Stat(routesPath); err != nil {
		fmt.Fprintf(out, "  WARNING: %s does not exist yet; create it before starting kioskproxy\n\n", routesPath)
	}

	healthPort := promptPort(scanner, out, fmt.Sprintf("Health check port [%s]: ", defaultHealthPort), defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out, fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(serverURL, token, routesPath, healthAddress)
	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.LoadProxyConfig(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out, "Start kioskproxy service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start kioskproxy")
			}
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:  %s\n", configPath)
	fmt.Fprintf(out, "  Server:  %s\n", serverURL)
	fmt.Fprintf(out, "  Health:  http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u kioskproxy -f")
	fmt.Fprintln(out, "  Validate:       kioskproxy validate --config "+configPath)

	return nil
}

// promptRequired re-prompts until a non-empty, valid value is entered,
// and fails fast on EOF instead of spinning: scanner.Scan() returning
// false on an exhausted reader never blocks, so without this check a
// mandatory field with no default would loop forever.
func promptRequired(scanner *bufio.Scanner, out io.Writer, message string, valid func(string) bool, invalidMsg string) (string, error) {
	for {
		fmt.Fprint(out, message)
		if !scanner.Scan() {
			return "", fmt.Errorf("input ended before a valid value was provided")
		}
		v := strings.TrimSpace(scanner.Text())
		if v != "" && (valid == nil || valid(v)) {
			return v, nil
		}
		fmt.Fprintln(out, "  "+invalidMsg)
	}
}

func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := exec.Command("systemctl", "restart", "kioskproxy").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "kioskproxy").Run(); err != nil {
			return err
		}
	}
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "kioskproxy").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func generateConfig(serverURL, token, routesPath, healthAddress string) string {
	return fmt.Sprintf(`# Kiosk Proxy Configuration
# Generated by: kioskproxy setup

server_url: "%s"
token: "%s"
routing_config_path: "%s"

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  listen_address: "%s"
`, yamlEscapeString(serverURL), yamlEscapeString(token), yamlEscapeString(routesPath), yamlEscapeString(healthAddress))
}

func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		u, err := user.Lookup("kioskproxy")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user kioskproxy: %v\n", err)
			return nil
		}
		g, err := user.LookupGroup("kioskproxy")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up group kioskproxy: %v\n", err)
			return nil
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user kioskproxy: %v\n", u.Uid, err)
			return nil
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group kioskproxy: %v\n", g.Gid, err)
			return nil
		}
		if err := os.Chown(path, uid, gid); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to kioskproxy:kioskproxy: %v\n", err)
		}
	}

	return nil
}
