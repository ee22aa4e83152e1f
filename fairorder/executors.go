package fairorder

import (
	"context"
	"errors"
	"os"

	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const ExecuteBatchEndpointName = "fair_executeBatch"

var ErrInvalidExecutor = errors.New("executor entry needs a name and url")

// ExecutorsConfig is the yaml file format for downstream batch executors.
type ExecutorsConfig struct {
	Executors []struct {
		Name     string   `yaml:"name"`
		URL      string   `yaml:"url"`
		Chains   []string `yaml:"chains"`
		Disabled bool     `yaml:"disabled"`
	} `yaml:"executors"`
}

// JSONRPCExecutor forwards published batches to one execution endpoint.
type JSONRPCExecutor struct {
	Name   string
	Client jsonrpc.RPCClient
	chains map[string]struct{}
}

func (e *JSONRPCExecutor) servesChain(chain string) bool {
	if len(e.chains) == 0 {
		return true
	}
	_, ok := e.chains[chain]
	return ok
}

func (e *JSONRPCExecutor) ExecuteBatch(ctx context.Context, result *BatchResult) error {
	res, err := e.Client.Call(ctx, ExecuteBatchEndpointName, []*BatchResult{result})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// ExecutorsBackend fans a published batch out to every executor configured
// for the batch's chain. Forwarding is best effort, a failing executor is
// logged and skipped.
type ExecutorsBackend struct {
	executors []JSONRPCExecutor
}

// LoadExecutorConfig parses the executor fan-out config from a yaml file.
// An empty path configures no executors.
func LoadExecutorConfig(file string) (*ExecutorsBackend, error) {
	if file == "" {
		return &ExecutorsBackend{}, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config ExecutorsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	executors := make([]JSONRPCExecutor, 0, len(config.Executors))
	for _, executor := range config.Executors {
		if executor.Disabled {
			continue
		}
		if executor.Name == "" || executor.URL == "" {
			return nil, ErrInvalidExecutor
		}
		chains := make(map[string]struct{}, len(executor.Chains))
		for _, chain := range executor.Chains {
			chains[chain] = struct{}{}
		}
		executors = append(executors, JSONRPCExecutor{
			Name:   executor.Name,
			Client: jsonrpc.NewClient(executor.URL),
			chains: chains,
		})
	}
	return &ExecutorsBackend{executors: executors}, nil
}

func (b *ExecutorsBackend) ForwardBatch(ctx context.Context, logger *zap.Logger, result *BatchResult) {
	for i := range b.executors {
		executor := &b.executors[i]
		if !executor.servesChain(result.Chain) {
			continue
		}
		if err := executor.ExecuteBatch(ctx, result); err != nil {
			logger.Warn("Failed to forward batch to executor",
				zap.Error(err),
				zap.String("executor", executor.Name),
				zap.String("batch", result.BatchID),
			)
		}
	}
}
