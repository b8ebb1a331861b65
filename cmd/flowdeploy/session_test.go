package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/flowdeploy/pkg/deployer"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange"
	"k8s.io/examples/AI/flowdeploy/pkg/exchange/memqueue"
	"k8s.io/examples/AI/flowdeploy/pkg/executor"
	"k8s.io/examples/AI/flowdeploy/pkg/flowmodel"
	"k8s.io/examples/AI/flowdeploy/pkg/metrics"
	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
	"k8s.io/examples/AI/flowdeploy/pkg/transfer"
)

const pipelineModel = `
name: pipeline
groups:
  - name: main
    rootDevice: {type: 0, nodeID: 0, deviceID: 0}
    relation:
      queues:
        - {name: x, depth: 4}
        - {name: mid, depth: 4}
        - {name: y, depth: 4}
      root:
        inputs: [x]
        outputs: [y]
      submodels:
        double:
          inputs: [x]
          outputs: [mid]
        triple:
          inputs: [mid]
          outputs: [y]
    submodels:
      - name: double-0
        model: double
        device: {type: 0, nodeID: 0, deviceID: 1}
        graph:
          inputs: [1]
          outputs: [2]
          nodes:
            - {id: 2, op: linear_scale, sources: [1], scale: 2}
      - name: triple-0
        model: triple
        device: {type: 0, nodeID: 0, deviceID: 2}
        graph:
          inputs: [1]
          outputs: [2]
          nodes:
            - {id: 2, op: linear_scale, sources: [1], scale: 3}
`

type fixture struct {
	service  *exchange.ExchangeService
	executor *executor.LocalExecutor
	deployer *deployer.ModelDeployer
	result   *deployer.DeployResult
}

func deploy(t *testing.T, binder deployer.QueueBinder, service *exchange.ExchangeService) *fixture {
	t.Helper()
	ctx := context.Background()
	exec := executor.NewLocalExecutor(service, nil)
	modelDeployer := deployer.NewModelDeployer(service, exec, deployer.StaticDevice(0), binder, nil)
	t.Cleanup(func() { modelDeployer.Finalize(context.Background()) })

	model, err := flowmodel.ParseFlowModel([]byte(pipelineModel))
	require.NoError(t, err)
	result, err := modelDeployer.DeployModel(ctx, model)
	require.NoError(t, err)
	return &fixture{service: service, executor: exec, deployer: modelDeployer, result: result}
}

func input(t *testing.T, values ...float32) *tensor.Tensor {
	t.Helper()
	in, err := tensor.FromFloat32(tensor.Shape{int64(len(values))}, values)
	require.NoError(t, err)
	return in
}

func TestInferWithRelay(t *testing.T) {
	service := exchange.NewExchangeService(memqueue.New(), nil)
	relay := transfer.NewRelayBinder(service, nil)
	f := deploy(t, relay, service)

	s := &session{queues: f.service, executor: f.executor, deployer: f.deployer, move: relay.Pump, maxRounds: 20}
	outputs, err := s.infer(context.Background(), f.result, input(t, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{6, 12}}, outputs)
}

func TestInferWithNetwork(t *testing.T) {
	registry := metrics.NewRegistry()
	service := exchange.NewExchangeService(memqueue.New(), registry)
	network := transfer.NewNetworkBinder(service, registry, transfer.InprocAddress)
	t.Cleanup(func() { network.Close() })
	f := deploy(t, network, service)

	s := &session{queues: f.service, executor: f.executor, deployer: f.deployer, move: forwardAndReceive(network), maxRounds: 20}
	outputs, err := s.infer(context.Background(), f.result, input(t, 0.5))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3}}, outputs)
}

func TestInferStallsWithoutTransfer(t *testing.T) {
	service := exchange.NewExchangeService(memqueue.New(), nil)
	f := deploy(t, transfer.NewRelayBinder(service, nil), service)

	s := &session{queues: f.service, executor: f.executor, deployer: f.deployer, maxRounds: 20}
	_, err := s.infer(context.Background(), f.result, input(t, 1))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestInferUnknownModel(t *testing.T) {
	service := exchange.NewExchangeService(memqueue.New(), nil)
	f := deploy(t, transfer.NewRelayBinder(service, nil), service)

	s := &session{queues: f.service, executor: f.executor, deployer: f.deployer, maxRounds: 20}
	_, err := s.infer(context.Background(), &deployer.DeployResult{ModelID: 99}, input(t, 1))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestParseValues(t *testing.T) {
	values, err := parseValues("1, 2.5,-3")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, values)

	_, err = parseValues("1,x")
	assert.Error(t, err)
}

func TestPrintPlans(t *testing.T) {
	model, err := flowmodel.ParseFlowModel([]byte(pipelineModel))
	require.NoError(t, err)
	assert.NoError(t, printPlans(context.Background(), model))
}
