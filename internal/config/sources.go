package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/source"
)

// parseSources accepts the `sources:` entries in any of these forms:
//
//	- edi1.example.com:9201            # tcp
//	- udp://239.20.64.1:12000          # udp
//	- {host: edi2, port: 9201, enabled: false}
func parseSources(raw []any) ([]SourceConfig, error) {
	out := make([]SourceConfig, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, r := range raw {
		var (
			s   SourceConfig
			err error
		)
		switch v := r.(type) {
		case string:
			s, err = ParseSource(v)
		case map[string]any, map[any]any:
			s, err = decodeSource(v)
		default:
			err = fmt.Errorf("unsupported entry type %T", r)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: sources[%d]: %v", core.ErrConfigInvalid, i, err)
		}
		if seen[s.ID()] {
			return nil, fmt.Errorf("%w: sources[%d]: %s listed twice", core.ErrConfigInvalid, i, s.ID())
		}
		seen[s.ID()] = true
		out = append(out, s)
	}
	return out, nil
}

// ParseSource parses "host:port" or "udp://host:port". The source is enabled.
func ParseSource(s string) (SourceConfig, error) {
	kind := source.KindTCP
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		kind = source.Kind(strings.ToLower(scheme))
		s = rest
	}
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil || host == "" {
		return SourceConfig{}, fmt.Errorf("source %q does not contain host:port", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return SourceConfig{}, fmt.Errorf("source %q has an invalid port", s)
	}
	sc := SourceConfig{Host: host, Port: port, Kind: string(kind), Enabled: true}
	return sc, sc.validate()
}

func decodeSource(m any) (SourceConfig, error) {
	sc := SourceConfig{Kind: string(source.KindTCP), Enabled: true}
	if err := mapstructure.WeakDecode(m, &sc); err != nil {
		return SourceConfig{}, err
	}
	sc.Kind = strings.ToLower(sc.Kind)
	return sc, sc.validate()
}

func (s SourceConfig) validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	switch source.Kind(s.Kind) {
	case source.KindTCP:
		if s.Interface != "" || s.RateLimit != 0 {
			return fmt.Errorf("interface and rate_limit only apply to udp sources")
		}
	case source.KindUDP:
		if s.RateLimit < 0 {
			return fmt.Errorf("rate_limit must not be negative")
		}
	default:
		return fmt.Errorf("unknown kind %q (must be tcp/udp)", s.Kind)
	}
	return nil
}
