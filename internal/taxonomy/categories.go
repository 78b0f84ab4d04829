package taxonomy

// Primary category names. These double as top-level folder/label names.
const (
	CategoryBanking      = "BANKING"
	CategoryFormSub      = "FORMSUB"
	CategoryGoogleReview = "GOOGLE REVIEW"
	CategoryManager      = "MANAGER"
	CategoryMisc         = "MISC"
	CategoryPhone        = "PHONE"
	CategoryPromo        = "PROMO"
	CategoryRecruitment  = "RECRUITMENT"
	CategorySales        = "SALES"
	CategorySocialMedia  = "SOCIALMEDIA"
	CategorySuppliers    = "SUPPLIERS"
	CategorySupport      = "SUPPORT"
	CategoryUrgent       = "URGENT"
)

// OutOfScope is the reserved category returned when a department
// deployment receives mail that belongs to another department. It is
// never provisioned as a folder.
const OutOfScope = "OUT_OF_SCOPE"

// Unassigned is the MANAGER secondary used when no team member matches.
const Unassigned = "Unassigned"

// categoryDef is one entry of the static category tables.
type categoryDef struct {
	Name        string
	Description string
	Keywords    []string
	Examples    []string
	Children    []categoryDef
}

// baseCategories is the fixed base set of primaries with their
// industry-independent secondary and tertiary children. Order is the
// order categories are rendered in prompts.
var baseCategories = []categoryDef{
	{
		Name:        CategoryBanking,
		Description: "Financial transactions and notifications from banks, payment processors and accounting systems.",
		Keywords:    []string{"bank", "deposit", "e-transfer", "interac", "invoice", "receipt", "refund", "payment", "statement"},
		Children: []categoryDef{
			{Name: "BankAlert", Description: "Automated security or balance alerts from a bank (login notices, low balance, fraud warnings).",
				Keywords: []string{"security alert", "new sign-in", "balance", "fraud"}},
			{Name: "e-Transfer", Description: "Interac or bank e-transfer notifications, either sent or received.",
				Keywords: []string{"e-transfer", "interac", "autodeposit"},
				Children: []categoryDef{
					{Name: "From Business", Description: "The business sent an e-transfer to someone else."},
					{Name: "To Business", Description: "Someone sent an e-transfer to the business."},
				}},
			{Name: "Invoice", Description: "Invoices issued by or to the business that request payment.",
				Keywords: []string{"invoice", "amount due", "bill"}},
			{Name: "Payment Confirmation", Description: "Confirmation that a payment was processed.",
				Keywords: []string{"payment received", "payment processed", "thank you for your payment"}},
			{Name: "Receipts", Description: "Proof-of-purchase receipts for completed transactions.",
				Keywords: []string{"receipt", "order confirmation", "purchase"},
				Children: []categoryDef{
					{Name: "Payment Sent", Description: "Receipt for money the business paid out."},
					{Name: "Payment Received", Description: "Receipt for money the business received."},
				}},
			{Name: "Refund", Description: "Refund issued or received.", Keywords: []string{"refund", "chargeback", "reversal"}},
		},
	},
	{
		Name:        CategoryFormSub,
		Description: "Submissions from the website contact form or booking widgets.",
		Keywords:    []string{"form submission", "contact form", "new submission", "website inquiry"},
		Children: []categoryDef{
			{Name: "New Submission", Description: "A fresh form submission from a prospect or customer."},
			{Name: "Work Order Forms", Description: "Completed work order or job sheet forms."},
		},
	},
	{
		Name:        CategoryGoogleReview,
		Description: "Notifications about new or updated Google Business reviews.",
		Keywords:    []string{"google review", "left a review", "business profile", "rating"},
		Examples:    []string{"Jane left a 5-star review for your business"},
	},
	{
		Name:        CategoryManager,
		Description: "Mail addressed to a specific team member or requiring management attention.",
		Keywords:    []string{"attention", "for the manager", "escalate"},
	},
	{
		Name:        CategoryMisc,
		Description: "Legitimate mail that fits no other category.",
	},
	{
		Name:        CategoryPhone,
		Description: "Voicemail transcripts, missed-call and SMS notifications from the phone provider.",
		Keywords:    []string{"voicemail", "missed call", "text message", "sms"},
	},
	{
		Name:        CategoryPromo,
		Description: "Marketing, newsletters, discounts and promotions sent to the business.",
		Keywords:    []string{"sale", "discount", "newsletter", "unsubscribe", "limited time"},
	},
	{
		Name:        CategoryRecruitment,
		Description: "Job applications, resumes, and hiring platform notifications.",
		Keywords:    []string{"resume", "cv", "application", "job posting", "candidate", "indeed"},
	},
	{
		Name:        CategorySales,
		Description: "New business opportunities: quote requests, pricing questions, consultations and purchase intent.",
		Keywords:    []string{"quote", "estimate", "price", "cost", "interested in", "new install", "buy"},
		Examples:    []string{"How much would it cost to install a new unit?", "Can someone come out to give us an estimate?"},
		Children: []categoryDef{
			{Name: "New Inquiry", Description: "First contact from a prospective customer."},
			{Name: "Quote Follow-up", Description: "Follow-up on a quote or estimate already sent."},
		},
	},
	{
		Name:        CategorySocialMedia,
		Description: "Notifications from social platforms (messages, mentions, comments).",
		Keywords:    []string{"facebook", "instagram", "tiktok", "mentioned you", "new message"},
	},
	{
		Name:        CategorySuppliers,
		Description: "Mail from vendors and suppliers: orders, shipping, price lists and account statements.",
		Keywords:    []string{"order confirmation", "shipment", "tracking", "price list", "backorder"},
	},
	{
		Name:        CategorySupport,
		Description: "Existing customers needing help: service requests, scheduling, technical questions.",
		Keywords:    []string{"help", "issue", "problem", "schedule", "appointment", "not working", "warranty"},
		Examples:    []string{"My system stopped working again after your last visit", "Can we move Tuesday's appointment?"},
		Children: []categoryDef{
			{Name: "Appointment Scheduling", Description: "Booking, rescheduling or cancelling visits."},
			{Name: "General", Description: "General questions from existing customers."},
			{Name: "Technical Support", Description: "Troubleshooting equipment or service problems."},
		},
	},
	{
		Name:        CategoryUrgent,
		Description: "Emergencies and time-critical issues that need a same-day response (safety, flooding, outages).",
		Keywords:    []string{"urgent", "emergency", "asap", "immediately", "leaking", "no heat", "flooding"},
		Examples:    []string{"Water is pouring out of the unit, please call me right away"},
	},
}

// tertiaryRules explains how the classifier picks tertiary categories.
// Keys are secondary paths; only these secondaries have tertiaries.
var tertiaryRules = map[string]string{
	CategoryBanking + Separator + "e-Transfer": "Use \"From Business\" when the business is the sender of the transfer; use \"To Business\" when the business is the recipient.",
	CategoryBanking + Separator + "Receipts":   "Use \"Payment Sent\" when the business paid; use \"Payment Received\" when a customer paid the business.",
}

// TertiaryRule returns the selection rule for a secondary path that
// carries tertiary categories.
func TertiaryRule(secondaryPath string) (string, bool) {
	r, ok := tertiaryRules[secondaryPath]
	return r, ok
}
