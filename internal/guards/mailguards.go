package guards

import "context"

// DefaultSendGuards returns the guard set internal/mail's Service.Send runs
// before persisting a message:
// advisory checks that never hard-block (unlike recipient resolution and
// the contact-policy gate, which are enforced independently as validation
// and policy errors, not guards).
func DefaultSendGuards() []Guard {
	return []Guard{
		NewGuardFunc("duplicate_subject", checkDuplicateSubject),
		NewGuardFunc("broad_fanout", checkBroadFanout),
	}
}

func checkDuplicateSubject(_ context.Context, gctx *GuardContext) Result {
	if gctx.RecentDuplicateSubject {
		return Fail("duplicate_subject", Warning,
			"you sent a message with this exact subject in this project in the last few minutes",
			"check whether this is an accidental resend")
	}
	return Pass("duplicate_subject")
}

const broadFanoutThreshold = 10

func checkBroadFanout(_ context.Context, gctx *GuardContext) Result {
	if gctx.RecipientCount > broadFanoutThreshold {
		return Fail("broad_fanout", Suggestion,
			"this message fans out to a large number of recipients",
			"consider whether a narrower recipient list or a product-level broadcast is more appropriate")
	}
	return Pass("broad_fanout")
}
