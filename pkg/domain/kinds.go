package domain

// Finding kinds emitted by the built-in validators. Custom validators
// use their own "Custom.*" kinds.
const (
	KindTimeSLA                 = "Time.SLA"
	KindTemplateSelect          = "Template.Select"
	KindPolicyMisapplied        = "Policy.Misapplied"
	KindDeliveryFailed          = "Delivery.Failed"
	KindDeliverySkipped         = "Delivery.Skipped"
	KindDeliveryRetry           = "Delivery.Retry"
	KindDeliveryAudienceInvalid = "Delivery.AudienceInvalid"
	KindAudienceMissing         = "Audience.MissingRecipient"
	KindAudienceConsentInvalid  = "Audience.ConsentInvalid"
	KindAudienceBlocked         = "Audience.Blocked"
	KindAudienceIneligible      = "Audience.Ineligible"
	KindValidatorError          = "Validator.Error"
)
