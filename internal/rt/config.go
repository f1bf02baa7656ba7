package rt

import (
	c "dux/internal"
	"dux/internal/kernel"

	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the address space layout the loader guarantees and the sizes of the IPC buffers.
// Every field can be overridden from the environment with a DUX_ prefix.
type Config struct {
	// Fixed home of the reservation table. One page is mapped and reserved there.
	TableAddr		kernel.Addr		`envconfig:"TABLE_ADDR" default:"0x0ff00000"`
	ImageStart		kernel.Addr		`envconfig:"IMAGE_START" default:"0x10000"`
	ImageEnd		kernel.Addr		`envconfig:"IMAGE_END" default:"0x1ffffff"`
	StackStart		kernel.Addr		`envconfig:"STACK_START" default:"0xfff00000"`
	StackEnd		kernel.Addr		`envconfig:"STACK_END" default:"0xfffeffff"`
	// Last usable byte of the address space.
	Top				kernel.Addr		`envconfig:"TOP" default:"0xffffffff"`

	// Pages per ring, a power of two.
	RingPages		uint64			`envconfig:"RING_PAGES" default:"1"`
	FreePages		uint64			`envconfig:"FREE_PAGES" default:"1"`
	// Pages donated for inbound payloads at startup.
	DonationPages	uint64			`envconfig:"DONATION_PAGES" default:"4"`
	// Bound on every blocking wait, negative waits forever.
	WaitTimeout		time.Duration	`envconfig:"WAIT_TIMEOUT" default:"50ms"`
	LogLevel		slog.Level		`envconfig:"LOG_LEVEL" default:"info"`

	Registerer		prometheus.Registerer	`ignored:"true"`
}

func DefaultConfig() Config {
	return Config{
		TableAddr:		0x0ff00000,
		ImageStart:		0x10000,
		ImageEnd:		0x1ffffff,
		StackStart:		0xfff00000,
		StackEnd:		0xfffeffff,
		Top:			0xffffffff,
		RingPages:		1,
		FreePages:		1,
		DonationPages:	4,
		WaitTimeout:	50 * time.Millisecond,
		LogLevel:		slog.LevelInfo,
	}
}

// Load reads the configuration from DUX_* environment variables, falling back to the defaults.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("dux", &cfg); err != nil {
		return Config{}, fmt.Errorf("rt: failed to load config: %w", err)
	}
	return cfg, cfg.Validate()
}

var ErrConfig = errors.New("rt: invalid config")

func (cfg Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
	}
	if cfg.TableAddr == 0 || cfg.TableAddr&c.PAGE_MASK != 0 {
		return bad("table address 0x%x", uint64(cfg.TableAddr))
	}
	for _, r := range [][2]kernel.Addr{{cfg.ImageStart, cfg.ImageEnd}, {cfg.StackStart, cfg.StackEnd}} {
		if r[0]&c.PAGE_MASK != 0 || r[1]&c.PAGE_MASK != c.PAGE_MASK || r[1] < r[0] {
			return bad("range 0x%x..0x%x not page aligned", uint64(r[0]), uint64(r[1]))
		}
	}
	if cfg.Top&c.PAGE_MASK != c.PAGE_MASK {
		return bad("top 0x%x", uint64(cfg.Top))
	}
	packets := cfg.RingPages * (c.PAGE_SIZE / kernel.PACKET_SIZE)
	if cfg.RingPages == 0 || bits.OnesCount64(cfg.RingPages) != 1 || packets > 1<<16 {
		return bad("ring pages %d", cfg.RingPages)
	}
	if cfg.FreePages == 0 {
		return bad("free pages %d", cfg.FreePages)
	}
	if cfg.DonationPages == 0 {
		return bad("donation pages %d", cfg.DonationPages)
	}
	return nil
}
