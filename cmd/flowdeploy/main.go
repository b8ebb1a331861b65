package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vrischmann/envconfig"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/flowdeploy/pkg/blobs"
	"k8s.io/examples/AI/flowdeploy/pkg/deployer"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange/memqueue"
	"k8s.io/examples/AI/flowdeploy/pkg/executor"
	"k8s.io/examples/AI/flowdeploy/pkg/flowmodel"
	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
	"k8s.io/examples/AI/flowdeploy/pkg/planner"
	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
	"k8s.io/examples/AI/flowdeploy/pkg/transfer"
)

type Config struct {
	DeviceID      int32  `envconfig:"FLOWDEPLOY_DEVICE_ID,default=0"`
	CacheDir      string `envconfig:"FLOWDEPLOY_CACHE_DIR,default=/tmp/flowdeploy/artifacts"`
	BlobServer    string `envconfig:"FLOWDEPLOY_BLOBSERVER"`
	MetricsListen string `envconfig:"FLOWDEPLOY_METRICS_LISTEN"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] plan|run <model.yaml>\n", os.Args[0])
	flag.PrintDefaults()
}

func run(ctx context.Context) error {
	cfg := Config{}
	if err := envconfig.InitWithOptions(&cfg, envconfig.Options{AllOptional: true}); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	deviceID := int(cfg.DeviceID)
	flag.IntVar(&deviceID, "device-id", deviceID, "device the deployer runs on")
	flag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "directory for downloaded artifacts")
	flag.StringVar(&cfg.BlobServer, "blobserver", cfg.BlobServer, "base URL of the model-store serving artifacts")
	flag.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "serve prometheus metrics on this address")
	binderName := "relay"
	flag.StringVar(&binderName, "binder", binderName, "queue binding implementation: relay or network")
	input := "1,2,3"
	flag.StringVar(&input, "input", input, "comma separated float32 values fed to every root input")
	maxRounds := 1000
	flag.IntVar(&maxRounds, "max-rounds", maxRounds, "give up after this many rounds without outputs")
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	cfg.DeviceID = int32(deviceID)

	if flag.NArg() != 2 {
		usage()
		return fmt.Errorf("expected a command and a model file")
	}
	command, modelPath := flag.Arg(0), flag.Arg(1)

	model, err := flowmodel.LoadFlowModel(modelPath)
	if err != nil {
		return err
	}

	switch command {
	case "plan":
		return printPlans(ctx, model)
	case "run":
		values, err := parseValues(input)
		if err != nil {
			return err
		}
		return runModel(ctx, cfg, binderName, maxRounds, model, values)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printPlans(ctx context.Context, model *flowmodel.FlowModel) error {
	for _, group := range model.Groups {
		plan, err := planner.NewDeployPlanner(group).BuildPlan(ctx)
		if err != nil {
			return fmt.Errorf("planning group %q: %w", group.Name, err)
		}
		fmt.Printf("group %q\n%s", group.Name, plan)
	}
	return nil
}

func parseValues(s string) ([]float32, error) {
	var values []float32
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing input value %q: %w", field, err)
		}
		values = append(values, float32(v))
	}
	return values, nil
}

func runModel(ctx context.Context, cfg Config, binderName string, maxRounds int, model *flowmodel.FlowModel, values []float32) error {
	log := klog.FromContext(ctx)

	registry := metrics.NewRegistry()
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Error(err, "serving metrics", "listen", cfg.MetricsListen)
			}
		}()
	}

	service := exchange.NewExchangeService(memqueue.New(), registry)

	var artifacts executor.ArtifactReader
	if cfg.BlobServer != "" {
		baseURL, err := url.Parse(cfg.BlobServer)
		if err != nil {
			return fmt.Errorf("parsing blobserver url %q: %w", cfg.BlobServer, err)
		}
		artifacts = blobs.NewArtifactLoader(&blobs.ArtifactServer{BaseURL: baseURL}, cfg.CacheDir)
	}
	exec := executor.NewLocalExecutor(service, artifacts)

	var binder deployer.QueueBinder
	var move func(ctx context.Context) (int, error)
	switch binderName {
	case "relay":
		relay := transfer.NewRelayBinder(service, registry)
		binder, move = relay, relay.Pump
	case "network":
		network := transfer.NewNetworkBinder(service, registry, transfer.InprocAddress)
		defer network.Close()
		binder, move = network, forwardAndReceive(network)
	default:
		return fmt.Errorf("unknown binder %q, expected relay or network", binderName)
	}

	modelDeployer := deployer.NewModelDeployer(service, exec, deployer.StaticDevice(cfg.DeviceID), binder, registry)
	defer modelDeployer.Finalize(ctx)

	result, err := modelDeployer.DeployModel(ctx, model)
	if err != nil {
		return err
	}
	log.Info("deployed model", "model", model.Name, "modelID", result.ModelID)

	in, err := tensor.FromFloat32(tensor.Shape{int64(len(values))}, values)
	if err != nil {
		return err
	}
	s := &session{
		queues:    service,
		executor:  exec,
		deployer:  modelDeployer,
		move:      move,
		maxRounds: maxRounds,
	}
	outputs, err := s.infer(ctx, result, in)
	if err != nil {
		return err
	}
	for i, out := range outputs {
		fmt.Printf("output[%d] = %v\n", i, out)
	}

	return modelDeployer.Undeploy(ctx, result.ModelID)
}

func forwardAndReceive(network *transfer.NetworkBinder) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		sent, err := network.Forward(ctx)
		if err != nil {
			return sent, err
		}
		received, err := network.Receive(ctx)
		return sent + received, err
	}
}
