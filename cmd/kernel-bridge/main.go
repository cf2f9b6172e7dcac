package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/promise"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"

	"github.com/edklab/kernel-bridge/common/jupyter"
	"github.com/edklab/kernel-bridge/common/jupyter/execution"
	"github.com/edklab/kernel-bridge/common/jupyter/output"
	"github.com/edklab/kernel-bridge/common/jupyter/remote"
	"github.com/edklab/kernel-bridge/common/utils"
)

// Options is the CLI configuration. Exactly one of ConnectionFile and
// ServerURL selects the binding.
type Options struct {
	config.Options

	ConnectionFile string `name:"connection-file" description:"Path to a Jupyter kernel connection file (raw socket mode)."`
	ServerURL      string `name:"server-url" description:"Base URL of a hosted kernel server (hosted mode)."`
	Token          string `name:"token" description:"Bearer token for the hosted kernel server."`
	SessionID      string `name:"session-id" description:"Session id. Defaults to a fresh UUID in raw socket mode."`
	Code           string `name:"code" description:"Code to execute. Reads stdin when empty."`
	TimeoutSeconds int    `name:"timeout" description:"Seconds to wait for the execution to complete. 0 waits forever."`
}

var (
	options      = Options{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	if (options.ConnectionFile == "") == (options.ServerURL == "") {
		log.Fatal("Exactly one of --connection-file and --server-url must be given.")
	}
	if options.ServerURL != "" && options.SessionID == "" {
		log.Fatal("--session-id is required in hosted mode.")
	}
}

func loadConnectionFile(path string) (*jupyter.ConnectionInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read connection file \"%s\"", path)
	}

	var info jupyter.ConnectionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.Wrapf(err, "could not parse connection file \"%s\"", path)
	}
	return &info, nil
}

func readCode() (string, error) {
	if options.Code != "" {
		return options.Code, nil
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", errors.Wrap(err, "could not read code from stdin")
	}
	return string(raw), nil
}

// submitter is the slice of either binding the runner needs.
type submitter interface {
	Submit(code string) promise.Promise
	Interrupt() error
	Close() error
}

func connect(ctx context.Context) (submitter, error) {
	if options.ConnectionFile != "" {
		info, err := loadConnectionFile(options.ConnectionFile)
		if err != nil {
			return nil, err
		}

		session := options.SessionID
		if session == "" {
			session = fmt.Sprintf("kernel-bridge-%d", os.Getpid())
		}

		client := execution.NewKernelClient(session, info)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		globalLogger.Info("Connected to kernel at %s.", info.IP)
		return client, nil
	}

	client := remote.NewKernelClient(remote.Options{
		ServerURL: options.ServerURL,
		Token:     options.Token,
		SessionID: options.SessionID,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	globalLogger.Info("Connected to hosted kernel session %s.", options.SessionID)
	return client, nil
}

func printEvent(event output.Event) {
	switch typed := event.(type) {
	case *output.Stream:
		if typed.Name == "stderr" {
			fmt.Fprint(os.Stderr, typed.Text)
		} else {
			fmt.Print(typed.Text)
		}
	case *output.Error:
		fmt.Fprintln(os.Stderr, utils.RedStyle.Render(fmt.Sprintf("%s: %s", typed.Name, typed.Message)))
		for _, frame := range typed.Traceback {
			fmt.Fprintln(os.Stderr, frame)
		}
	default:
		fmt.Println(event.String())
	}
}

func main() {
	ValidateOptions()

	code, err := readCode()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connect(ctx)
	if err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to connect: %v"), err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	resultPromise := client.Submit(code)

	// First signal interrupts the execution cooperatively; the second one
	// abandons it.
	go func() {
		<-sig
		globalLogger.Warn(utils.OrangeStyle.Render("Interrupting execution..."))
		if err := client.Interrupt(); err != nil {
			globalLogger.Error(utils.RedStyle.Render("Interrupt failed: %v"), err)
		}
		<-sig
		globalLogger.Warn(utils.OrangeStyle.Render("Abandoning execution."))
		os.Exit(130)
	}()

	if options.TimeoutSeconds > 0 {
		resultPromise.SetTimeout(time.Duration(options.TimeoutSeconds) * time.Second)
		if waitErr := resultPromise.Timeout(); errors.Is(waitErr, promise.ErrTimeout) {
			globalLogger.Error(utils.RedStyle.Render("Execution did not complete within %d seconds."),
				options.TimeoutSeconds)
			os.Exit(1)
		}
	}

	resolved, err := resultPromise.Result()

	if result, valid := resolved.(*execution.Result); valid && result != nil {
		for _, event := range result.Outputs {
			printEvent(event)
		}
		if !result.Success {
			os.Exit(1)
		}
	}

	if err != nil {
		globalLogger.Error(utils.RedStyle.Render("Execution failed: %v"), err)
		os.Exit(1)
	}
}
