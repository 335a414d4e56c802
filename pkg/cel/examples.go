package cel

var ConditionExpressionExamples = map[string]string{
	"simple_equals":       `doc.status == "Approved"`,
	"event_match":         `event == "on_submit"`,
	"numeric_threshold":   `doc.principal_amount > 5000.0`,
	"in_list":             `doc.loan_status in ["Active", "Disbursed"]`,
	"range_check":         `doc.amount >= 10.0 && doc.amount <= 10000.0`,
	"combined_conditions": `event == "on_update" && doc.docstatus == 1.0`,
	"has_field":           `has(doc.external_id) && doc.external_id != ""`,
	"tenant_scoped":       `tenant == "default" && doc.sync_enabled == true`,
}

// MappingExpressionExamples provides example CEL expressions for field mappings
var MappingExpressionExamples = map[string]string{
	"passthrough":     `doc.client_name`,
	"concatenate":     `doc.first_name + " " + doc.last_name`,
	"math_operation":  `doc.principal * (1.0 + doc.interest_rate / 100.0)`,
	"conditional":     `doc.docstatus == 1.0 ? "SUBMITTED" : "DRAFT"`,
	"default_value":   `has(doc.currency) ? doc.currency : "USD"`,
	"format_number":   `string(doc.amount) + " " + doc.currency`,
	"payload_lookup":  `payload.resourceId`,
	"uppercase":       `doc.branch_code.upperAscii()`,
	"identifier_join": `doctype + "/" + docname`,
}
