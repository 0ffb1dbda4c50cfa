// Package config loads the daemon's runtime configuration from a .env file
// and command-line flags, in that order, following the teacher's use of
// godotenv for environment loading and flag for CLI overrides. Unlike the
// teacher's package-level singleton, Config here is an explicit struct
// threaded through constructors.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kutluhann/kadnet/dht"
	"github.com/kutluhann/kadnet/id"
)

// Config holds every operator-facing setting named by the spec's
// configuration section.
type Config struct {
	ID id.NodeId

	ListenAddress string
	ListenPort    uint16

	TraverseNAT         bool
	UseDefaultBootNodes bool
	FullNetDiscovery    bool
	CustomBootNodes     []dht.NodeContact

	HostData uint64
	UserData uint64

	BanListPath  string
	FragmentsDir string

	HTTPPort int

	Timings dht.Timings
}

// defaultBootNodes is the built-in bootstrap list used when
// UseDefaultBootNodes is set and no custom list is supplied. Empty until
// this deployment has known-good long-lived nodes to seed from.
var defaultBootNodes []dht.NodeContact

// Load reads a .env file (if present, silently ignored otherwise), then
// applies flag overrides parsed from args. A random id is generated when
// KADNET_ID is not set.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddress:       envOr("KADNET_LISTEN_ADDRESS", "0.0.0.0"),
		TraverseNAT:         envBoolOr("KADNET_TRAVERSE_NAT", true),
		UseDefaultBootNodes: envBoolOr("KADNET_USE_DEFAULT_BOOT_NODES", true),
		FullNetDiscovery:    envBoolOr("KADNET_FULL_NET_DISCOVERY", false),
		BanListPath:         envOr("KADNET_BAN_LIST_PATH", "banlist.txt"),
		FragmentsDir:        envOr("KADNET_FRAGMENTS_DIR", "fragments"),
		HTTPPort:            8000,
		Timings:             dht.DefaultTimings(),
	}

	if raw := os.Getenv("KADNET_ID"); raw != "" {
		parsed, err := id.FromHex(raw)
		if err != nil {
			return cfg, fmt.Errorf("config: KADNET_ID: %w", err)
		}
		cfg.ID = parsed
	} else {
		generated, err := id.Random()
		if err != nil {
			return cfg, fmt.Errorf("config: generating id: %w", err)
		}
		cfg.ID = generated
	}

	if raw := os.Getenv("KADNET_LISTEN_PORT"); raw != "" {
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return cfg, fmt.Errorf("config: KADNET_LISTEN_PORT: %w", err)
		}
		cfg.ListenPort = uint16(port)
	}

	fs := flag.NewFlagSet("kadnet", flag.ContinueOnError)
	listenAddress := fs.String("listen-address", cfg.ListenAddress, "bind address for UDP+TCP")
	listenPort := fs.Uint("listen-port", uint(cfg.ListenPort), "UDP+TCP bind port")
	traverseNAT := fs.Bool("traverse-nat", cfg.TraverseNAT, "attempt NAT traversal")
	useDefaultBootNodes := fs.Bool("use-default-boot-nodes", cfg.UseDefaultBootNodes, "use the built-in bootstrap list")
	fullNetDiscovery := fs.Bool("full-net-discovery", cfg.FullNetDiscovery, "accumulate a global view of known nodes")
	banListPath := fs.String("ban-list", cfg.BanListPath, "path to the persisted ban list")
	fragmentsDir := fs.String("fragments-dir", cfg.FragmentsDir, "directory backing the fragment store")
	httpPort := fs.Int("http", cfg.HTTPPort, "HTTP API port for local clients")
	bootstrap := fs.String("bootstrap", "", "comma-separated address:udp_port:tcp_port bootstrap contacts")

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("config: parsing flags: %w", err)
	}

	cfg.ListenAddress = *listenAddress
	cfg.ListenPort = uint16(*listenPort)
	cfg.TraverseNAT = *traverseNAT
	cfg.UseDefaultBootNodes = *useDefaultBootNodes
	cfg.FullNetDiscovery = *fullNetDiscovery
	cfg.BanListPath = *banListPath
	cfg.FragmentsDir = *fragmentsDir
	cfg.HTTPPort = *httpPort

	if *bootstrap != "" {
		contacts, err := parseBootNodes(*bootstrap)
		if err != nil {
			return cfg, fmt.Errorf("config: -bootstrap: %w", err)
		}
		cfg.CustomBootNodes = contacts
	}

	if cfg.UseDefaultBootNodes && len(cfg.CustomBootNodes) == 0 {
		cfg.CustomBootNodes = defaultBootNodes
	}

	return cfg, nil
}

// parseBootNodes parses "address:udp_port:tcp_port,address:udp_port:tcp_port,...".
func parseBootNodes(raw string) ([]dht.NodeContact, error) {
	var out []dht.NodeContact
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("expected address:udp_port:tcp_port, got %q", entry)
		}
		udpPort, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("udp_port in %q: %w", entry, err)
		}
		tcpPort, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("tcp_port in %q: %w", entry, err)
		}
		out = append(out, dht.NodeContact{
			Address: parts[0],
			UDPPort: uint16(udpPort),
			TCPPort: uint16(tcpPort),
		})
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
