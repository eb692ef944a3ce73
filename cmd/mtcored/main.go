// Command mtcored is the datapath core's process entrypoint: it wires
// config -> driver -> port -> services -> scheduler and runs until a
// signal requests shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/arp"
	"github.com/mtdatapath/corepath/internal/cni"
	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/dhcp"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
	"github.com/mtdatapath/corepath/internal/tasklet"
	"github.com/mtdatapath/corepath/internal/udpsock"
)

func main() {
	ifaceName := flag.String("iface", "eth0", "network interface to bind")
	pmdFlag := flag.String("pmd", "kernel_socket", "pmd backend: af_xdp | kernel_socket")
	xdpProgram := flag.String("xdp-program", "", "path to a compiled XDP ELF object (af_xdp pmd only)")
	xdpQueueID := flag.Uint("xdp-queue", 0, "NIC queue id bound by the AF_XDP socket (af_xdp pmd only)")
	sipFlag := flag.String("ip", "", "static local IPv4 address, e.g. 192.0.2.10 (ignored with -dhcp)")
	useDHCP := flag.Bool("dhcp", false, "obtain the local address via DHCP instead of -ip")
	cpuBase := flag.Int("cpu-base", -1, "first pinned CPU core for the scheduler groups; -1 disables pinning")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtcored: build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, runArgs{
		iface:      *ifaceName,
		pmd:        *pmdFlag,
		xdpProgram: *xdpProgram,
		xdpQueueID: uint32(*xdpQueueID),
		sip:        *sipFlag,
		useDHCP:    *useDHCP,
		cpuBase:    *cpuBase,
	}); err != nil {
		log.Fatal("mtcored exited with error", zap.Error(err))
	}
}

type runArgs struct {
	iface      string
	pmd        string
	xdpProgram string
	xdpQueueID uint32
	sip        string
	useDHCP    bool
	cpuBase    int
}

func run(log *zap.Logger, args runArgs) error {
	// eBPF map/program loading needs RLIMIT_MEMLOCK lifted regardless of
	// which pmd this process ends up using.
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock limit: %w", err)
	}

	driver, err := buildDriver(args)
	if err != nil {
		return fmt.Errorf("build driver: %w", err)
	}
	defer driver.Close()

	cfg := config.Defaults()
	cfg.Flags = config.SharedRxQueue | config.SharedTxQueue | config.TaskletSleep

	params := config.PortParams{
		Name:         args.iface,
		NetProto:     config.NetProtoStatic,
		MaxTxQueues:  8,
		MaxRxQueues:  8,
		AfXdpQueueID: args.xdpQueueID,
	}
	if args.useDHCP {
		params.NetProto = config.NetProtoDHCP
	} else if args.sip != "" {
		ip, err := parseIPv4(args.sip)
		if err != nil {
			return fmt.Errorf("parse -ip: %w", err)
		}
		params.SipAddr = ip
	}

	port, err := queue.Open(log, driver, args.iface, params, cfg.Flags)
	if err != nil {
		return fmt.Errorf("open port: %w", err)
	}
	defer port.Close()

	// ARP and DHCP transmit through CNI's shared system TX queue, but CNI
	// needs an ArpHandler/DhcpHandler to dispatch to before that queue
	// exists. Construct both with txq=nil and attach it once Open returns.
	arpTable := arp.New(log, port, nil, cfg.ArpEntryMax)
	dhcpClient := dhcp.New(log, port, nil, arpTable)

	cniSvc, err := cni.Open(log, port, arpTable, dhcpClient, nil)
	if err != nil {
		return fmt.Errorf("open cni: %w", err)
	}
	defer cniSvc.Close()

	arpTable.SetTxQueue(cniSvc.TxQueue())
	dhcpClient.SetTxQueue(cniSvc.TxQueue())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if args.useDHCP {
		if err := dhcpClient.Start(); err != nil {
			return fmt.Errorf("start dhcp: %w", err)
		}
		if err := dhcp.InitAll(ctx, []*dhcp.Client{dhcpClient}, cfg.DhcpInitRetries, cfg.DhcpInitInterval); err != nil {
			return fmt.Errorf("dhcp init: %w", err)
		}
		log.Info("dhcp bound", zap.String("ip", dhcpClient.GetIP().String()))
	}

	// The UDP socket facade itself has no listener here; cmd/mtcored owns
	// only the control-plane services. Applications linking this package
	// construct their own udpsock.Socket against the same *queue.PortIf.
	sock := udpsock.New(log, port, arpTable, cfg.UdpWakeThreshCount, cfg.UdpWakeTimeoutUs)
	defer sock.Close()

	group := tasklet.NewGroup(log, "main", args.cpuBase, cfg.SchDefaultSleepUs, cfg.SchForceSleepUs, cfg.SchZeroSleepUs)
	group.Register(&cniTasklet{cni: cniSvc})
	if port.Rsq != nil {
		group.Register(&rsqTasklet{rsq: port.Rsq})
	}
	if port.Srss != nil {
		group.Register(&srssTasklet{srss: port.Srss})
	}

	if err := group.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	log.Info("mtcored running", zap.String("iface", args.iface), zap.String("pmd", args.pmd))
	<-sig

	log.Info("shutting down")
	group.Stop()
	if args.useDHCP {
		if err := dhcpClient.Release(); err != nil {
			log.Warn("dhcp release failed", zap.Error(err))
		}
	}
	return nil
}

func buildDriver(args runArgs) (nicdrv.Driver, error) {
	switch args.pmd {
	case "af_xdp":
		if args.xdpProgram == "" {
			return nil, fmt.Errorf("af_xdp pmd requires -xdp-program")
		}
		prog, err := nicdrv.LoadXDPProgram(args.xdpProgram)
		if err != nil {
			return nil, err
		}
		return nicdrv.NewAfXdpDriver(args.iface, prog, args.xdpQueueID)
	case "kernel_socket":
		return nicdrv.NewRawSockDriver(args.iface)
	default:
		return nil, fmt.Errorf("unknown pmd %q", args.pmd)
	}
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	var a, b, c, d int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return out, fmt.Errorf("invalid ipv4 address %q", s)
	}
	out = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	return out, nil
}

type cniTasklet struct {
	cni *cni.Cni
}

func (t *cniTasklet) Name() string     { return "cni" }
func (t *cniTasklet) PreStart() error  { return nil }
func (t *cniTasklet) Start() error     { return nil }
func (t *cniTasklet) Stop() error      { return nil }
func (t *cniTasklet) Handler() tasklet.Progress {
	if t.cni.Poll() {
		return tasklet.HasPending
	}
	return tasklet.AllDone
}

type rsqTasklet struct {
	rsq *queue.SharedRxQueue
}

func (t *rsqTasklet) Name() string    { return "rsq" }
func (t *rsqTasklet) PreStart() error { return nil }
func (t *rsqTasklet) Start() error    { return nil }
func (t *rsqTasklet) Stop() error     { return nil }
func (t *rsqTasklet) Handler() tasklet.Progress {
	if t.rsq.Poll() {
		return tasklet.HasPending
	}
	return tasklet.AllDone
}

type srssTasklet struct {
	srss *queue.SharedRss
}

func (t *srssTasklet) Name() string    { return "srss" }
func (t *srssTasklet) PreStart() error { return nil }
func (t *srssTasklet) Start() error    { return nil }
func (t *srssTasklet) Stop() error     { return nil }
func (t *srssTasklet) Handler() tasklet.Progress {
	if t.srss.Poll() {
		return tasklet.HasPending
	}
	return tasklet.AllDone
}
