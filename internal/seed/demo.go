// Package seed populates a fresh gateway with a ready-to-use demo app,
// grounded in the teacher's internal/seed package (seed.Run/seed.RunDemo
// invoked from internal/app.Run's "seed"/"seed-demo" modes), generalized
// from tenant/org bootstrap rows to a pre-approved App + ResourcePermission
// + ResourceSecret for local development against a real LLM provider.
package seed

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/repository"
	"github.com/hearthgate/gateway/pkg/vault"
)

// DemoResult carries the generated key material back to the caller so it
// can be printed for local use; none of it is recoverable afterwards since
// only the public key is persisted.
type DemoResult struct {
	AppID      string
	PublicKey  string // base64
	PrivateKey ed25519.PrivateKey
}

// RunDemo creates a demo App with an ACTIVE chat.completions permission on
// resourceID (e.g. "llm:groq"), encrypts upstreamSecret into a
// ResourceSecret via v, and returns the generated keypair.
func RunDemo(ctx context.Context, repo repository.Repository, v *vault.Vault, resourceID, upstreamSecret, baseURL string, logger *slog.Logger) (*DemoResult, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating demo keypair: %w", err)
	}

	app := &model.App{
		Name:        "demo-app",
		Description: "local development app created by seed-demo",
		PublicKey:   pub,
		Status:      model.AppStatusActive,
	}
	if err := repo.InsertApp(ctx, app); err != nil {
		return nil, fmt.Errorf("inserting demo app: %w", err)
	}

	perm := model.ResourcePermission{
		AppID:      app.ID,
		ResourceID: resourceID,
		Action:     "chat.completions",
		Status:     model.PermissionStatusActive,
	}
	if err := repo.BindPermissions(ctx, []model.ResourcePermission{perm}); err != nil {
		return nil, fmt.Errorf("binding demo permission: %w", err)
	}

	if upstreamSecret != "" {
		ciphertext, iv, err := v.Seal([]byte(upstreamSecret))
		if err != nil {
			return nil, fmt.Errorf("sealing demo upstream secret: %w", err)
		}
		cfg, err := json.Marshal(map[string]string{"baseUrl": baseURL})
		if err != nil {
			return nil, fmt.Errorf("marshaling demo resource config: %w", err)
		}
		secret := &model.ResourceSecret{
			ResourceID:   resourceID,
			Status:       model.SecretStatusActive,
			EncryptedKey: ciphertext,
			KeyIV:        iv,
			Config:       cfg,
		}
		if err := repo.UpsertResourceSecret(ctx, secret); err != nil {
			return nil, fmt.Errorf("upserting demo resource secret: %w", err)
		}
	}

	logger.Info("seed-demo: created demo app", "app_id", app.ID, "resource_id", resourceID)

	return &DemoResult{
		AppID:      app.ID.String(),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: priv,
	}, nil
}
