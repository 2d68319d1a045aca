package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	corechipset "github.com/tinyrange/i8254/internal/chipset"
	"github.com/tinyrange/i8254/internal/config"
	x86chipset "github.com/tinyrange/i8254/internal/devices/amd64/chipset"
	"github.com/tinyrange/i8254/internal/hv"
)

const postPort = 0x80

const replHelp = `commands:
  out <port> <value>   write a byte
  in <port>            read a byte
  inw <port>           read a 16-bit word (two byte lanes)
  wait <duration>      sleep, e.g. wait 10ms
  irq                  print the number of IRQ0 pulses so far
  state                print the chip registers
  reset                reset the chipset
  help                 show this text
  quit                 leave
`

// session is a PC timer and port 0x61 on a chipset, driven in real time.
type session struct {
	cs  *corechipset.Chipset
	pit *x86chipset.PIT
	out io.Writer
}

func newSession(cfg config.Config, out io.Writer, log *slog.Logger, opts ...x86chipset.PITOption) (*session, error) {
	// Counter 2's gate belongs to port 0x61; the others are wired high.
	for n := 0; n < 2; n++ {
		if !cfg.Gate(n) {
			return nil, fmt.Errorf("repl: counter %d gate is fixed high on a PC", n)
		}
	}

	builder := corechipset.NewBuilder(nil).WithLogger(log)

	pitOpts := []x86chipset.PITOption{
		x86chipset.WithPITLogger(log),
		x86chipset.WithPITPortBase(cfg.PortBase),
		x86chipset.WithPITTerminalPolicy(cfg.Policy()),
	}
	if cfg.Tick > 0 {
		pitOpts = append(pitOpts, x86chipset.WithPITTick(cfg.Tick))
	}
	pit := x86chipset.NewPIT(builder.Lines().AllocateLine(0), append(pitOpts, opts...)...)

	if err := builder.RegisterDevice("pit", pit); err != nil {
		return nil, err
	}
	if err := builder.RegisterDevice("port61", x86chipset.NewPort61(pit)); err != nil {
		return nil, err
	}
	// Guests write POST codes to port 0x80 and use it as an I/O delay.
	if err := builder.WithPioPort(postPort, hv.SimpleX86IOPortDevice{
		Ports: []uint16{postPort},
		ReadFunc: func(port uint16, data []byte) error {
			for i := range data {
				data[i] = 0xFF
			}
			return nil
		},
		WriteFunc: func(port uint16, data []byte) error {
			log.Debug("post code", "value", fmt.Sprintf("0x%02x", data[0]))
			return nil
		},
	}); err != nil {
		return nil, err
	}
	cs, err := builder.Build()
	if err != nil {
		return nil, err
	}
	if err := cs.Init(nil); err != nil {
		return nil, err
	}
	if err := cs.Start(); err != nil {
		return nil, err
	}
	return &session{cs: cs, pit: pit, out: out}, nil
}

func (s *session) close() error {
	return s.cs.Stop()
}

func parsePort(arg string) (uint16, error) {
	v, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", arg)
	}
	return uint16(v), nil
}

// vcpu is the processor the repl's accesses are attributed to.
var vcpu = hv.VCPUExit(0)

// exec runs one command line. It returns true when the session should end.
func (s *session) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "out":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: out <port> <value>")
		}
		port, err := parsePort(fields[1])
		if err != nil {
			return false, err
		}
		v, err := strconv.ParseUint(fields[2], 0, 8)
		if err != nil {
			return false, fmt.Errorf("bad value %q", fields[2])
		}
		return false, s.cs.HandlePIO(vcpu, port, []byte{byte(v)}, true)
	case "in", "inw":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: %s <port>", fields[0])
		}
		port, err := parsePort(fields[1])
		if err != nil {
			return false, err
		}
		data := make([]byte, 1)
		if fields[0] == "inw" {
			data = make([]byte, 2)
		}
		if err := s.cs.HandlePIO(vcpu, port, data, false); err != nil {
			return false, err
		}
		if len(data) == 2 {
			fmt.Fprintf(s.out, "0x%04x\n", uint16(data[1])<<8|uint16(data[0]))
		} else {
			fmt.Fprintf(s.out, "0x%02x\n", data[0])
		}
	case "wait":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: wait <duration>")
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return false, err
		}
		time.Sleep(d)
	case "irq":
		fmt.Fprintf(s.out, "%d\n", s.cs.Lines().Pulses(0))
	case "state":
		return false, writeYAML(s.out, s.pit.State())
	case "reset":
		return false, s.cs.Reset()
	case "help":
		fmt.Fprint(s.out, replHelp)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return false, nil
}

// loop reads commands until quit or EOF.
func (s *session) loop(readLine func() (string, error)) error {
	for {
		line, err := readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := s.exec(line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func runRepl(args []string) error {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to "+config.Filename)
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	cfg, level, err := loadConfig(*configPath, *debug)
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		s, err := newSession(cfg, os.Stdout, slog.Default())
		if err != nil {
			return err
		}
		defer s.close()

		scanner := bufio.NewScanner(os.Stdin)
		return s.loop(func() (string, error) {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return scanner.Text(), nil
		})
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enable raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "pit> ")
	// The terminal rewrites newlines for raw mode.
	log := slog.New(slog.NewTextHandler(t, &slog.HandlerOptions{Level: level}))

	s, err := newSession(cfg, t, log)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprint(t, replHelp)
	return s.loop(t.ReadLine)
}
