// Package dispatch hands orders to their execution backends. All three
// backends honour the same contract: run the bundle, then write the callback
// result to the presigned URL.
package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/anthropics/exec-engine/contracts"
)

// DefaultCommandDocument is used for remote-agent orders that do not name a
// command document.
const DefaultCommandDocument = "AWS-RunShellScript"

// LambdaAPI is the subset of the Lambda client used by the inline backend.
type LambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// CodeBuildAPI is the subset of the CodeBuild client used by the container
// backend.
type CodeBuildAPI interface {
	StartBuild(ctx context.Context, in *codebuild.StartBuildInput, opts ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
}

// SSMCommandAPI is the subset of the SSM client used by the remote-agent
// backend.
type SSMCommandAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, opts ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
}

// workerInput is the payload every backend receives.
type workerInput struct {
	RunID       string `json:"run_id"`
	OrderNum    string `json:"order_num"`
	BundleURI   string `json:"bundle_uri"`
	KeyRef      string `json:"key_ref"`
	CallbackURL string `json:"callback_url"`
	TimeoutS    int    `json:"timeout_s"`
}

// Dispatcher implements contracts.BackendDispatcher over the three backends.
// The same (run_id, order_num) always produces the same client token. The
// container backend passes it as the build's idempotency token, so a
// duplicate build start is absorbed there. The inline backend carries it only
// in the invocation's client context and the remote-agent backend only in the
// command comment; neither backend deduplicates a repeated dispatch.
type Dispatcher struct {
	lambdaClient    LambdaAPI
	codeBuildClient CodeBuildAPI
	ssmClient       SSMCommandAPI

	// workerFunction is the default inline worker (WORKER_TARGET) used when
	// an order does not name one.
	workerFunction string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(lambdaClient LambdaAPI, codeBuildClient CodeBuildAPI, ssmClient SSMCommandAPI, workerFunction string) *Dispatcher {
	return &Dispatcher{
		lambdaClient:    lambdaClient,
		codeBuildClient: codeBuildClient,
		ssmClient:       ssmClient,
		workerFunction:  workerFunction,
	}
}

// IdempotencyToken derives the deterministic client token for an order.
func IdempotencyToken(runID contracts.RunID, num contracts.OrderNum) string {
	return fmt.Sprintf("%s-%s", runID, num)
}

// Dispatch hands the order to the backend selected by its execution target.
func (d *Dispatcher) Dispatch(ctx context.Context, order *contracts.Order) (string, error) {
	if order == nil {
		return "", contracts.ErrInvalidInput
	}
	input := workerInput{
		RunID:       string(order.RunID),
		OrderNum:    string(order.Num),
		BundleURI:   order.BundleURI,
		KeyRef:      order.KeyRef,
		CallbackURL: order.CallbackURI,
		TimeoutS:    order.TimeoutS,
	}
	switch order.Target {
	case contracts.TargetInline:
		return d.dispatchInline(ctx, order, input)
	case contracts.TargetContainer:
		return d.dispatchContainer(ctx, order, input)
	case contracts.TargetRemoteAgent:
		return d.dispatchRemoteAgent(ctx, order, input)
	default:
		return "", fmt.Errorf("order %s/%s has unknown execution target %q", order.RunID, order.Num, order.Target)
	}
}

func (d *Dispatcher) dispatchInline(ctx context.Context, order *contracts.Order, input workerInput) (string, error) {
	function := order.FunctionName
	if function == "" {
		function = d.workerFunction
	}
	if function == "" {
		return "", fmt.Errorf("order %s/%s has no worker function", order.RunID, order.Num)
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	token := IdempotencyToken(order.RunID, order.Num)
	clientContext, err := json.Marshal(map[string]map[string]string{
		"custom": {"idempotency_token": token},
	})
	if err != nil {
		return "", err
	}
	_, err = d.lambdaClient.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
		ClientContext:  aws.String(base64.StdEncoding.EncodeToString(clientContext)),
	})
	if err != nil {
		return "", fmt.Errorf("invoking worker function %s: %w", function, err)
	}
	return "lambda:" + function + "/" + token, nil
}

func (d *Dispatcher) dispatchContainer(ctx context.Context, order *contracts.Order, input workerInput) (string, error) {
	if order.ProjectName == "" {
		return "", fmt.Errorf("order %s/%s has no build project", order.RunID, order.Num)
	}
	overrides := []cbtypes.EnvironmentVariable{
		{Name: aws.String("RUN_ID"), Value: aws.String(input.RunID)},
		{Name: aws.String("ORDER_NUM"), Value: aws.String(input.OrderNum)},
		{Name: aws.String("BUNDLE_URI"), Value: aws.String(input.BundleURI)},
		{Name: aws.String("KEY_REF"), Value: aws.String(input.KeyRef)},
		{Name: aws.String("CALLBACK_URL"), Value: aws.String(input.CallbackURL)},
		{Name: aws.String("TIMEOUT"), Value: aws.String(fmt.Sprint(input.TimeoutS))},
	}
	out, err := d.codeBuildClient.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName:                  aws.String(order.ProjectName),
		EnvironmentVariablesOverride: overrides,
		IdempotencyToken:             aws.String(IdempotencyToken(order.RunID, order.Num)),
	})
	if err != nil {
		return "", fmt.Errorf("starting build in %s: %w", order.ProjectName, err)
	}
	if out.Build == nil || out.Build.Id == nil {
		return "", fmt.Errorf("starting build in %s: empty build id", order.ProjectName)
	}
	return *out.Build.Id, nil
}

func (d *Dispatcher) dispatchRemoteAgent(ctx context.Context, order *contracts.Order, input workerInput) (string, error) {
	document := order.DocumentRef
	if document == "" {
		document = DefaultCommandDocument
	}
	command := fmt.Sprintf(
		"exec-worker --bundle %s --key-ref %s --callback %s --timeout %d",
		input.BundleURI, input.KeyRef, input.CallbackURL, input.TimeoutS)
	out, err := d.ssmClient.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName:   aws.String(document),
		InstanceIds:    order.Targets,
		Parameters:     map[string][]string{"commands": {command}},
		TimeoutSeconds: aws.Int32(int32(order.TimeoutS)),
		Comment:        aws.String(IdempotencyToken(order.RunID, order.Num)),
	})
	if err != nil {
		return "", fmt.Errorf("sending command to fleet %s: %w", strings.Join(order.Targets, ","), err)
	}
	if out.Command == nil || out.Command.CommandId == nil {
		return "", fmt.Errorf("sending command: empty command id")
	}
	return *out.Command.CommandId, nil
}
