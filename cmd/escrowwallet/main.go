package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/variablefate/ridestr-sub008/config"
	"github.com/variablefate/ridestr-sub008/logging"
	"github.com/variablefate/ridestr-sub008/wallet"
)

var (
	datadir     = flag.String("datadir", "", "Directory to load config file from")
	flagMint    = flag.String("mint", "", "Mint URL, overrides the config file")
	flagRelays  = flag.String("relays", "", "Comma separated relay URLs, overrides the config file")
	debugLevel  = flag.String("debuglevel", "", "Logging level: trace, debug, info, warn, error, critical. Subsystems: info,MINT=debug")
	claimPolicy = flag.String("claimpolicy", "", "How claim notices are handled: verify or trust")
	metricsAddr = flag.String("metrics", "", "Serve prometheus metrics on this address during run")
	logStdout   = flag.Bool("stdout", false, "Also write logs to stdout")
)

var errUsage = errors.New("usage")

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: escrowwallet [flags] <command> [args]\n\nCommands:\n")
	names := make([]string, 0, len(commands)+1)
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "  %-40s %s\n", "init [-mint url] [-relays urls] [-mnemonic words]", "create a config with fresh keys")
	for _, name := range names {
		c := commands[name]
		fmt.Fprintf(out, "  %-40s %s\n", name+" "+c.args, c.help)
	}
	fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func realMain() error {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errUsage
	}
	dir := *datadir
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	if args[0] == "init" {
		return initConfig(dir, args[1:])
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 < cmd.minArgs {
		return fmt.Errorf("usage: escrowwallet %s %s", args[0], cmd.args)
	}

	appCfg, err := config.LoadAppConfig(dir, config.ConfigOverrides{
		MintURL:     *flagMint,
		Relays:      *flagRelays,
		DebugLevel:  *debugLevel,
		ClaimPolicy: *claimPolicy,
	})
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: run 'escrowwallet init' first", err)
	}
	if err != nil {
		return err
	}

	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:     appCfg.LogFile(),
		DebugLevel:  appCfg.DebugLevel,
		MaxLogFiles: appCfg.MaxLogFiles,
		Stdout:      *logStdout,
	})
	if err != nil {
		return err
	}
	defer lb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(appCfg, lb)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.wallet.Start(ctx); err != nil {
		return err
	}
	defer a.wallet.Stop()

	return cmd.run(ctx, a, args[1:])
}

func main() {
	if err := realMain(); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, wallet.UserMessage(err))
		}
		os.Exit(1)
	}
}
