package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"commsgate/internal/models"
)

type sendOptions struct {
	Severity      string
	Type          string
	Title         string
	Body          string
	RequestID     string
	ApprovalToken string
	NoApproval    bool
	Channel       string
	Phone         string
	ChatID        string
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	so := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Route one notification through the policy gates",
		Long: `Route one notification through the same gates the service uses.

A notification deferred by quiet hours is stored as a send_message job and
delivered by the next sweep after the window ends.`,
		Example: `  commsgate send --severity WARN --type health_check --body "disk at 91%"
  commsgate send --severity SEV1 --type incident --title "DB down" --body "primary unreachable" --approval-token ops-123`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if so.Body == "" {
				return errors.New("--body is required")
			}

			req := models.NotificationRequest{
				RequestID:       so.RequestID,
				Severity:        models.Severity(so.Severity),
				Type:            so.Type,
				Title:           so.Title,
				Body:            so.Body,
				ApprovalToken:   so.ApprovalToken,
				ChannelOverride: models.Channel(so.Channel),
			}
			if so.NoApproval {
				no := false
				req.RequiresApproval = &no
			}
			if so.Phone != "" || so.ChatID != "" {
				req.Recipient = &models.Recipient{Phone: so.Phone, TelegramChatID: so.ChatID}
			}

			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.queue.Dispatch(cmd.Context(), req)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if !res.Success {
				if res.Blocked {
					return fmt.Errorf("blocked: %s", res.BlockReason)
				}
				return fmt.Errorf("send failed: %s", res.Error)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.Severity, "severity", string(models.SeverityInfo), "SEV1, WARN or INFO")
	f.StringVar(&so.Type, "type", "", "message type, matched against the allowlist")
	f.StringVar(&so.Title, "title", "", "optional bold title")
	f.StringVar(&so.Body, "body", "", "message body (required)")
	f.StringVar(&so.RequestID, "request-id", "", "correlation ID; repeated sends with the same ID share a provider dedup key")
	f.StringVar(&so.ApprovalToken, "approval-token", "", "explicit approval")
	f.BoolVar(&so.NoApproval, "no-approval", false, "send with requires_approval=false")
	f.StringVar(&so.Channel, "channel", "", "override the primary channel (salesmsg|telegram)")
	f.StringVar(&so.Phone, "phone", "", "recipient phone number (E.164)")
	f.StringVar(&so.ChatID, "chat-id", "", "recipient Telegram chat ID")

	return cmd
}
