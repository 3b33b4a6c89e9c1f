// Kiln CLI - compiles and runs kiln modules.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kiln/asm"
	"github.com/chazu/kiln/manifest"
	"github.com/chazu/kiln/model"
	"github.com/chazu/kiln/vm"
	"github.com/chazu/kiln/wire"
)

var (
	verbose    = flag.Int("v", 0, "log verbosity (0-2)")
	version    = flag.Bool("version", false, "print version and exit")
	emit       = flag.String("emit", "", "compile to a .kmod module file instead of running")
	heapSize   = flag.Int("heap", 0, "heap size in bytes (default 4 MiB)")
	maxStack   = flag.Int("max-stack", 0, "native stack budget in bytes (default 512 KiB)")
	intRegs    = flag.Int("int-regs", 0, "integer registers for the allocator (default 2)")
	floatRegs  = flag.Int("float-regs", 0, "float registers for the allocator (default 2)")
	frameOnly  = flag.Bool("frame-only", false, "disable register allocation, keep all values in frame slots")
	lazy       = flag.Bool("lazy", false, "compile functions on first call instead of at load")
	noManifest = flag.Bool("no-manifest", false, "ignore any kiln.toml in or above the working directory")
)

const versionStr = "0.3.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Kiln - a compiling virtual machine\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  kiln [options] program.kasm    # assemble and run\n")
		fmt.Fprintf(os.Stderr, "  kiln [options] program.kmod    # run a compiled module\n")
		fmt.Fprintf(os.Stderr, "  kiln -emit program.kmod program.kasm\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("kiln version %s\n", versionStr)
		os.Exit(0)
	}

	commonlog.Configure(*verbose, nil)

	cfg, input := configure()
	if input == "" {
		flag.Usage()
		os.Exit(2)
	}

	mod, err := loadInput(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *emit != "" {
		data, err := wire.MarshalModule(mod)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*emit, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	engine := vm.NewEngine(cfg)
	if err := engine.LoadModule(mod); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	result, err := engine.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(result)
}

// configure merges manifest runtime settings with command line flags.
// Flags win over the manifest; the input path comes from the command
// line or, failing that, the manifest entry.
func configure() (vm.Config, string) {
	var cfg vm.Config
	input := flag.Arg(0)

	if !*noManifest {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if m != nil {
			cfg.HeapSize = int(m.Runtime.HeapSize)
			cfg.MaxStack = int(m.Runtime.MaxStack)
			cfg.IntRegisters = m.Runtime.IntRegisters
			cfg.FloatRegisters = m.Runtime.FloatRegisters
			cfg.FrameOnly = m.Runtime.FrameOnly
			cfg.Lazy = m.Runtime.Lazy
			if input == "" {
				input = m.EntryPath()
			}
		}
	}

	if *heapSize > 0 {
		cfg.HeapSize = *heapSize
	}
	if *maxStack > 0 {
		cfg.MaxStack = *maxStack
	}
	if *intRegs > 0 {
		cfg.IntRegisters = *intRegs
	}
	if *floatRegs > 0 {
		cfg.FloatRegisters = *floatRegs
	}
	if *frameOnly {
		cfg.FrameOnly = true
	}
	if *lazy {
		cfg.Lazy = true
	}
	return cfg, input
}

// loadInput reads a module from either assembly source or the compiled
// module format, keyed on the file extension.
func loadInput(path string) (*model.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".kmod":
		return wire.UnmarshalModule(data)
	case ".kasm":
		return asm.Parse(string(data))
	default:
		return nil, fmt.Errorf("unknown input format %q (want .kasm or .kmod)", filepath.Ext(path))
	}
}
