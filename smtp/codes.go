// Package smtp has SMTP wire-level helpers shared by the client: reply code
// constants and the dot-stuffing writer for the DATA phase.
package smtp

// Reply codes.
var (
	C211SystemStatus = 211
	C214Help         = 214
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235

	C250Completed               = 250
	C251UserNotLocalWillForward = 251
	C252WithoutVrfy             = 252

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail         = 421
	C432PasswdTransitionNeeded = 432
	C454TempAuthFail           = 454
	C450MailboxUnavail         = 450
	C451LocalErr               = 451
	C452StorageFull            = 452 // Also for "too many recipients".
	C455BadParams              = 455

	C500BadSyntax        = 500
	C501BadParamSyntax   = 501
	C502CmdNotImpl       = 502
	C503BadCmdSeq        = 503
	C504ParamNotImpl     = 504
	C530SecurityRequired = 530
	C534AuthMechWeak     = 534
	C535AuthBadCreds     = 535
	C538EncReqForAuth    = 538
	C550MailboxUnavail   = 550
	C551UserNotLocal     = 551
	C552MailboxFull      = 552
	C553BadMailbox       = 553
	C554TransactionFailed = 554
)
