package action

// HandlingCategory is the routing label assigned to an action.
type HandlingCategory string

const (
	HandlingAuthentication HandlingCategory = "authentication"
	HandlingCustomer       HandlingCategory = "customer"
	HandlingGeneral        HandlingCategory = "general"
)

// Description returns the operator-facing name of the handling path.
func (h HandlingCategory) Description() string {
	switch h {
	case HandlingAuthentication:
		return "login and registration handling"
	case HandlingCustomer:
		return "customer handling"
	default:
		return "general handling"
	}
}

// Route maps a descriptor's category to its handling path. Categories match
// exactly; anything else, including "Customer" or "", is HandlingGeneral.
func Route(d *Descriptor) HandlingCategory {
	if d == nil {
		return HandlingGeneral
	}
	switch HandlingCategory(d.Category) {
	case HandlingAuthentication:
		return HandlingAuthentication
	case HandlingCustomer:
		return HandlingCustomer
	default:
		return HandlingGeneral
	}
}
