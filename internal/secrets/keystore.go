package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/anthropics/exec-engine/contracts"
)

// keyEntry is the stored shape of one order's key pair.
type keyEntry struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

// KeyStore implements contracts.KeyStore on SSM Parameter Store SecureString
// entries under keys/<run_id>/<order_num>.
type KeyStore struct {
	client SSMAPI
}

// NewKeyStore creates a KeyStore.
func NewKeyStore(client SSMAPI) *KeyStore {
	return &KeyStore{client: client}
}

// Put stores a key pair and returns the parameter name as the reference.
func (k *KeyStore) Put(ctx context.Context, runID contracts.RunID, num contracts.OrderNum, private, public []byte) (string, error) {
	ref := fmt.Sprintf("/keys/%s/%s", runID, num)
	entry := keyEntry{
		Private: base64.StdEncoding.EncodeToString(private),
		Public:  base64.StdEncoding.EncodeToString(public),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshaling key entry %s: %w", ref, err)
	}
	_, err = k.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(ref),
		Value:     aws.String(string(value)),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("storing key %s: %w", ref, err)
	}
	return ref, nil
}

// PublicKey returns the public half for a previously stored reference.
func (k *KeyStore) PublicKey(ctx context.Context, ref string) ([]byte, error) {
	out, err := k.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(ref),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching key %s: %w", ref, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("key %s has no value", ref)
	}
	var entry keyEntry
	if err := json.Unmarshal([]byte(*out.Parameter.Value), &entry); err != nil {
		return nil, fmt.Errorf("decoding key %s: %w", ref, err)
	}
	public, err := base64.StdEncoding.DecodeString(entry.Public)
	if err != nil {
		return nil, fmt.Errorf("decoding public key %s: %w", ref, err)
	}
	return public, nil
}

// Delete removes one key entry. Callers treat failures as best-effort.
func (k *KeyStore) Delete(ctx context.Context, ref string) error {
	_, err := k.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{
		Name: aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("deleting key %s: %w", ref, err)
	}
	return nil
}
