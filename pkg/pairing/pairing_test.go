package pairing

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/gwerr"
	"github.com/hearthgate/gateway/pkg/llm/openai"
	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/repository"
)

func TestParsePairingString(t *testing.T) {
	p, err := ParsePairingString("pair::https://gw.example.com::abcdefghijklmnop")
	require.NoError(t, err)
	require.Equal(t, "https://gw.example.com", p.ProxyURL)
	require.Equal(t, "abcdefghijklmnop", p.ConnectCode)

	_, err = ParsePairingString("pair::not-absolute::abcdefghijklmnop")
	require.Error(t, err)

	_, err = ParsePairingString("pair::https://gw.example.com::short")
	require.Error(t, err)

	_, err = ParsePairingString("bogus")
	require.Error(t, err)
}

func newTestService(now time.Time) (*Service, *repository.Memory) {
	repo := repository.NewMemory()
	reg := adapter.NewRegistry(openai.New("groq"))
	svc := New(repo, reg, "https://gw.example.com")
	svc.Now = func() time.Time { return now }
	return svc, repo
}

func TestService_PrepareAndApprove(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, repo := newTestService(now)

	_, err := svc.IssuePairingCode(context.Background(), "connectcode1234567890")
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	out, gerr := svc.Prepare(context.Background(), &PrepareInput{
		ConnectCode: "connectcode1234567890",
		App:         AppMeta{Name: "Test App"},
		PublicKey:   pub,
		RequestedPermissions: []RequestedPermission{
			{ResourceID: "llm:groq", Actions: []string{"chat.completions", "chat.completions"}},
		},
		RedirectURI: "https://app.example.com/callback",
	})
	require.Nil(t, gerr)
	require.NotEmpty(t, out.SessionToken)

	session, err := repo.FindConnectSession(context.Background(), out.SessionToken)
	require.NoError(t, err)
	require.Len(t, session.RequestedPermissions, 1, "duplicate actions must collapse")

	app, gerr := svc.Approve(context.Background(), out.SessionToken, nil)
	require.Nil(t, gerr)
	require.Equal(t, model.AppStatusActive, app.Status)

	perms, err := repo.ListPermissions(context.Background(), app.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	require.Equal(t, "llm:groq", perms[0].ResourceID)
}

func TestService_Prepare_UnknownConnectCode(t *testing.T) {
	svc, _ := newTestService(time.Now())
	pub, _, _ := ed25519.GenerateKey(nil)
	_, gerr := svc.Prepare(context.Background(), &PrepareInput{
		ConnectCode: "doesnotexist1234567890",
		PublicKey:   pub,
		RedirectURI: "https://app.example.com/callback",
	})
	require.NotNil(t, gerr)
	require.Equal(t, gwerr.ErrInvalidConnectCode, gerr.Code)
}

func TestService_Reject(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(now)
	_, err := svc.IssuePairingCode(context.Background(), "connectcodeabcdefghi")
	require.NoError(t, err)
	pub, _, _ := ed25519.GenerateKey(nil)

	out, gerr := svc.Prepare(context.Background(), &PrepareInput{
		ConnectCode: "connectcodeabcdefghi",
		PublicKey:   pub,
		RedirectURI: "https://app.example.com/callback",
	})
	require.Nil(t, gerr)

	require.Nil(t, svc.Reject(context.Background(), out.SessionToken))

	_, gerr = svc.Approve(context.Background(), out.SessionToken, nil)
	require.NotNil(t, gerr)
}

// TestService_Prepare_SingleUse exercises property 7: concurrent prepare
// calls against the same connect code yield exactly one PENDING session.
func TestService_Prepare_SingleUse(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(now)
	_, err := svc.IssuePairingCode(context.Background(), "racecodeabcdefghijkl")
	require.NoError(t, err)
	pub, _, _ := ed25519.GenerateKey(nil)

	const n = 10
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, gerr := svc.Prepare(context.Background(), &PrepareInput{
				ConnectCode: "racecodeabcdefghijkl",
				PublicKey:   pub,
				RedirectURI: "https://app.example.com/callback",
			})
			successes[idx] = gerr == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestRedirectURL(t *testing.T) {
	id := uuid.New()
	url := RedirectURL("https://app.example.com/cb", "approved", &id)
	require.Contains(t, url, "status=approved")
	require.Contains(t, url, "app_id="+id.String())
}
