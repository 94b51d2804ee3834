package safety

// forbiddenActions are rejected unconditionally, before any other check.
var forbiddenActions = map[string]struct{}{
	// External communications
	"send_to_customer":  {},
	"send_to_prospect":  {},
	"send_to_partner":   {},
	"post_social_media": {},

	// Data deletion
	"delete_data":        {},
	"truncate_table":     {},
	"drop_table":         {},
	"delete_notion_page": {},

	// Direct modifications
	"modify_workflow":    {},
	"change_config":      {},
	"update_notion":      {},
	"update_hubspot":     {},
	"change_credentials": {},
	"deploy_code":        {},
	"restart_service":    {},

	// Financial
	"process_payment": {},
	"issue_refund":    {},
	"modify_pricing":  {},
	"create_invoice":  {},

	// Credentials
	"rotate_api_key":   {},
	"change_password":  {},
	"generate_api_key": {},

	// Access control
	"grant_access":        {},
	"modify_permissions":  {},
	"bypass_auth":         {},
	"escalate_privileges": {},

	// Kill switch bypass
	"disable_kill_switch": {},
	"bypass_kill_switch":  {},

	// Compliance
	"send_spam":               {},
	"share_pii":               {},
	"bypass_privacy_controls": {},
}

// IsForbiddenAction reports whether action is on the fixed forbidden list.
// Matching is exact.
func IsForbiddenAction(action string) bool {
	_, ok := forbiddenActions[action]
	return ok
}
