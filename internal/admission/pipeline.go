package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/audit"
)

// Result is the synchronous admission response.
type Result struct {
	RunID   contracts.RunID
	TraceID contracts.TraceID
	FlowID  contracts.FlowID
	DoneURI string
}

// Pipeline implements the admission stages: validate, package, persist, emit
// start signal. It does no dispatch; all scheduling is deferred to the
// orchestrator so there is a single locus of control.
type Pipeline struct {
	Orders    contracts.OrderStore
	Events    contracts.EventStore
	Artifacts contracts.ArtifactStore
	Keys      contracts.KeyStore
	Sources   contracts.SourceFetcher

	// ConfigSource resolves config_paths, SecretSource resolves secret_paths.
	ConfigSource contracts.CredentialSource
	SecretSource contracts.CredentialSource

	// AccountCredsPath, when set, names a credential blob merged into every
	// order's env map (target-account credentials).
	AccountCredsPath string

	CallbackExpiry time.Duration
	MaxParallelism int
	Log            audit.Logger

	// Now is the pipeline's clock. Defaults to time.Now.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Submit runs the full admission pipeline for one decoded descriptor.
// Validation failures return ValidationErrors before anything is persisted;
// packaging failures abort the whole job.
func (p *Pipeline) Submit(ctx context.Context, desc *Descriptor) (*Result, error) {
	if desc == nil {
		return nil, contracts.ErrInvalidInput
	}
	now := p.now()
	job := desc.ToJob(now)

	if errs := Validate(job); len(errs) > 0 {
		p.Log.Warn("job_rejected").
			Str("run_id", string(job.RunID)).
			Int("error_count", len(errs)).
			Msg("")
		return nil, errs
	}

	p.Log.Event("job_received").
		Str("run_id", string(job.RunID)).
		Str("flow_id", string(job.FlowID)).
		Int("order_count", len(job.Orders)).
		Msg("")

	if err := p.packageOrders(ctx, job); err != nil {
		return nil, err
	}

	for _, order := range job.Orders {
		if err := p.Orders.Put(ctx, order); err != nil {
			return nil, fmt.Errorf("persisting order %s/%s: %w", order.RunID, order.Num, err)
		}
	}

	event := contracts.NewOrderEvent(job.TraceID, job.RunID, job.FlowID,
		contracts.JobEventName, contracts.EventJobStarted, "", map[string]string{
			"submitter":   job.Submitter,
			"order_count": strconv.Itoa(len(job.Orders)),
		}, p.now())
	if err := p.Events.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("recording job_started event: %w", err)
	}

	// The start marker is the first notification: it triggers the initial
	// orchestrator invocation, which dispatches the root orders.
	start := &contracts.CallbackResult{Status: contracts.StatusSucceeded, Log: "job accepted"}
	if err := p.Artifacts.PutCallback(ctx, job.RunID, contracts.StartOrderNum, start); err != nil {
		return nil, fmt.Errorf("emitting start signal: %w", err)
	}

	p.Log.Event("job_admitted").
		Str("run_id", string(job.RunID)).
		Str("flow_id", string(job.FlowID)).
		Msg("")

	return &Result{
		RunID:   job.RunID,
		TraceID: job.TraceID,
		FlowID:  job.FlowID,
		DoneURI: p.Artifacts.DoneURI(job.RunID),
	}, nil
}

// packageOrders builds and uploads every order's bundle with bounded
// fan-out. The first failure aborts the job.
func (p *Pipeline) packageOrders(ctx context.Context, job *contracts.Job) error {
	parallelism := p.MaxParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)
	errs := make([]error, len(job.Orders))
	var wg sync.WaitGroup

	for i, order := range job.Orders {
		wg.Add(1)
		go func(idx int, order *contracts.Order) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			errs[idx] = p.packageOrder(ctx, job, order)
		}(i, order)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("packaging order %s: %w", job.Orders[i].Name, err)
		}
	}
	return nil
}

// packageOrder performs the per-order stages: fetch code, resolve secrets,
// presign the callback URL, seal the env map, rebundle, upload.
func (p *Pipeline) packageOrder(ctx context.Context, job *contracts.Job, order *contracts.Order) error {
	dir, cleanup, err := p.Sources.Fetch(ctx, order.Source)
	if err != nil {
		return fmt.Errorf("fetching source: %w", err)
	}
	defer cleanup()

	env := make(map[string]string, len(order.EnvVars)+len(order.ConfigPaths)+len(order.SecretPaths)+2)
	for k, v := range order.EnvVars {
		env[k] = v
	}

	sourcePaths := make([]string, 0, len(order.ConfigPaths)+len(order.SecretPaths))
	for _, path := range order.ConfigPaths {
		value, err := p.ConfigSource.Fetch(ctx, path)
		if err != nil {
			return fmt.Errorf("resolving config path %s: %w", path, err)
		}
		env[envKey(path)] = string(value)
		sourcePaths = append(sourcePaths, path)
	}
	for _, path := range order.SecretPaths {
		value, err := p.SecretSource.Fetch(ctx, path)
		if err != nil {
			return fmt.Errorf("resolving secret path %s: %w", path, err)
		}
		env[envKey(path)] = string(value)
		sourcePaths = append(sourcePaths, path)
	}

	if p.AccountCredsPath != "" {
		value, err := p.SecretSource.Fetch(ctx, p.AccountCredsPath)
		if err != nil {
			return fmt.Errorf("resolving account credentials: %w", err)
		}
		var creds map[string]string
		if err := json.Unmarshal(value, &creds); err != nil {
			return fmt.Errorf("decoding account credentials: %w", err)
		}
		for k, v := range creds {
			env[k] = v
		}
		sourcePaths = append(sourcePaths, p.AccountCredsPath)
	}

	callbackURL, err := p.Artifacts.PresignCallback(ctx, order.RunID, order.Num, p.CallbackExpiry)
	if err != nil {
		return fmt.Errorf("presigning callback: %w", err)
	}
	env["CALLBACK_URL"] = callbackURL
	env["TIMEOUT"] = strconv.Itoa(order.TimeoutS)

	publicKey, keyRef, err := p.orderKey(ctx, job, order)
	if err != nil {
		return err
	}
	sealed, err := sealEnv(env, publicKey)
	if err != nil {
		return err
	}

	bundle, err := buildBundle(dir, sealed, sourcePaths)
	if err != nil {
		return err
	}
	bundleURI, err := p.Artifacts.PutBundle(ctx, order.RunID, order.Num, bundle)
	if err != nil {
		return fmt.Errorf("uploading bundle: %w", err)
	}

	order.BundleURI = bundleURI
	order.CallbackURI = callbackURL
	order.KeyRef = keyRef
	return nil
}

// orderKey returns the public key and reference for an order: the job's
// pre-existing key when supplied, otherwise a fresh ephemeral pair stored
// under keys/<run_id>/<order_num>.
func (p *Pipeline) orderKey(ctx context.Context, job *contracts.Job, order *contracts.Order) ([]byte, string, error) {
	if job.KeyRef != "" {
		publicKey, err := p.Keys.PublicKey(ctx, job.KeyRef)
		if err != nil {
			return nil, "", fmt.Errorf("fetching encryption key %s: %w", job.KeyRef, err)
		}
		return publicKey, job.KeyRef, nil
	}
	publicKey, privateKey, err := generateKeyPair()
	if err != nil {
		return nil, "", err
	}
	ref, err := p.Keys.Put(ctx, order.RunID, order.Num, privateKey, publicKey)
	if err != nil {
		return nil, "", fmt.Errorf("storing encryption key: %w", err)
	}
	return publicKey, ref, nil
}

// envKey derives the env map key for a credential path: the last path
// segment, uppercased, with non-alphanumerics mapped to underscores.
func envKey(path string) string {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	var b strings.Builder
	for _, c := range strings.ToUpper(base) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
