package mail

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mail-mcp/mailmcpd/internal/archive"
	"github.com/mail-mcp/mailmcpd/internal/cache"
	"github.com/mail-mcp/mailmcpd/internal/errs"
	"github.com/mail-mcp/mailmcpd/internal/identity"
	"github.com/mail-mcp/mailmcpd/internal/model"
	"github.com/mail-mcp/mailmcpd/internal/store"
	"github.com/mail-mcp/mailmcpd/internal/wbq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testFixture struct {
	Mail     *Service
	Identity *identity.Service
	Project  *model.Project
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	arc, err := archive.New(t.TempDir())
	require.NoError(t, err)

	q := wbq.New(discardLogger(), 2*time.Second, 16)
	t.Cleanup(q.Close)
	c := cache.New()
	ident := identity.New(st)
	mailSvc := New(st, ident, arc, c, q)

	project, err := ident.EnsureProject(context.Background(), "/home/agent/repo")
	require.NoError(t, err)

	return &testFixture{Mail: mailSvc, Identity: ident, Project: project}
}

func (f *testFixture) registerAgent(t *testing.T, name string) *model.Agent {
	t.Helper()
	a, err := f.Identity.RegisterAgent(context.Background(), f.Project.ID, "tester", "model", name, "")
	require.NoError(t, err)
	return a
}

func TestSend_DeliversToResolvedRecipients(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")

	res, err := f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{{Name: recipient.Name}},
		Subject:    "status update", BodyMD: "all green",
	})
	require.NoError(t, err)
	require.Equal(t, "status update", res.Message.Subject)
	require.Len(t, res.Message.Recipients, 1)
}

func TestSend_RejectsEmptyRecipientList(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")

	_, err := f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID, Subject: "x", BodyMD: "y",
	})
	require.Error(t, err)
	require.True(t, errs.As(err, errs.Validation))
}

func TestSend_RejectsUnknownImportance(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")

	_, err := f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{{Name: recipient.Name}},
		Subject:    "x", BodyMD: "y", Importance: "critical-ish",
	})
	require.Error(t, err)
	require.True(t, errs.As(err, errs.Validation))
}

func TestSend_PolicyDeniedWhenRecipientBlocksAll(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")
	_, err := f.Identity.SetContactPolicy(context.Background(), recipient.ID, string(model.PolicyBlockAll))
	require.NoError(t, err)

	_, err = f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{{Name: recipient.Name}},
		Subject:    "x", BodyMD: "y",
	})
	require.Error(t, err)
	require.True(t, errs.As(err, errs.PolicyDenied))
	require.Contains(t, err.Error(), "not accepting")
	require.Contains(t, err.Error(), "recipient")
}

func TestSend_ContactsOnlyAllowedAfterAcceptedRequest(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")
	_, err := f.Identity.SetContactPolicy(context.Background(), recipient.ID, string(model.PolicyContactsOnly))
	require.NoError(t, err)

	_, err = f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{{Name: recipient.Name}},
		Subject:    "x", BodyMD: "y",
	})
	require.Error(t, err)

	_, err = f.Identity.RequestContact(context.Background(), sender.ID, recipient.ID)
	require.NoError(t, err)
	_, err = f.Identity.RespondContact(context.Background(), sender.ID, recipient.ID, true)
	require.NoError(t, err)

	_, err = f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{{Name: recipient.Name}},
		Subject:    "x", BodyMD: "y",
	})
	require.NoError(t, err)
}

func TestReplySubject(t *testing.T) {
	require.Equal(t, "Re: hello", ReplySubject("hello"))
	require.Equal(t, "Re: hello", ReplySubject("Re: hello"))
}

func TestReply_InheritsThreadAndPrefixesSubject(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")

	original, err := f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{{Name: recipient.Name}},
		Subject:    "kickoff", BodyMD: "starting now",
	})
	require.NoError(t, err)

	reply, err := f.Mail.Reply(context.Background(), original.Message.ID, SendParams{
		ProjectID: f.Project.ID, SenderID: recipient.ID,
		Recipients: []RecipientInput{{Name: sender.Name}},
		BodyMD:     "ack",
	})
	require.NoError(t, err)
	require.Equal(t, original.Message.ThreadID, reply.Message.ThreadID)
	require.Equal(t, "Re: kickoff", reply.Message.Subject)
}

func TestAcknowledgeAndMarkRead_AreIdempotent(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")

	sent, err := f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{{Name: recipient.Name}},
		Subject:    "x", BodyMD: "y", AckRequired: true,
	})
	require.NoError(t, err)

	require.NoError(t, f.Mail.Acknowledge(context.Background(), sent.Message.ID, recipient.ID))
	require.NoError(t, f.Mail.Acknowledge(context.Background(), sent.Message.ID, recipient.ID))

	require.NoError(t, f.Mail.MarkRead(context.Background(), sent.Message.ID, recipient.ID))
	require.NoError(t, f.Mail.MarkRead(context.Background(), sent.Message.ID, recipient.ID))
}

func TestFetchInbox_NewestFirstAndRespectsLimit(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	recipient := f.registerAgent(t, "SilverHawk")

	for i := 0; i < 3; i++ {
		_, err := f.Mail.Send(context.Background(), SendParams{
			ProjectID: f.Project.ID, SenderID: sender.ID,
			Recipients: []RecipientInput{{Name: recipient.Name}},
			Subject:    "msg", BodyMD: "body",
		})
		require.NoError(t, err)
	}

	rows, err := f.Mail.FetchInbox(context.Background(), f.Project.ID, recipient.ID, 2, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.GreaterOrEqual(t, rows[0].Message.CreatedTS, rows[1].Message.CreatedTS)
}

func TestRecipientsView_BCCHiddenFromNonBCCViewer(t *testing.T) {
	f := newFixture(t)
	sender := f.registerAgent(t, "GoldFox")
	to := f.registerAgent(t, "SilverHawk")
	bcc := f.registerAgent(t, "RedFalcon")

	sent, err := f.Mail.Send(context.Background(), SendParams{
		ProjectID: f.Project.ID, SenderID: sender.ID,
		Recipients: []RecipientInput{
			{Name: to.Name, Kind: model.RecipientTo},
			{Name: bcc.Name, Kind: model.RecipientBCC},
		},
		Subject: "x", BodyMD: "y",
	})
	require.NoError(t, err)

	_, _, bccForRecipient, err := f.Mail.RecipientsView(context.Background(), sent.Message.ID, to.ID)
	require.NoError(t, err)
	require.Empty(t, bccForRecipient)

	_, _, bccForSender, err := f.Mail.RecipientsView(context.Background(), sent.Message.ID, sender.ID)
	require.NoError(t, err)
	require.Equal(t, []string{bcc.Name}, bccForSender)

	_, _, bccForSelf, err := f.Mail.RecipientsView(context.Background(), sent.Message.ID, bcc.ID)
	require.NoError(t, err)
	require.Equal(t, []string{bcc.Name}, bccForSelf)
}

func TestGetMessage_NotFoundForUnknownID(t *testing.T) {
	f := newFixture(t)
	_, err := f.Mail.GetMessage(context.Background(), f.Project.ID, "does-not-exist")
	require.Error(t, err)
	require.True(t, errs.As(err, errs.NotFound))
	require.Contains(t, err.Error(), "not found")
}

