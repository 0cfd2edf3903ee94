package access

import "fmt"

// Reason strings returned with decisions. They surface verbatim in 403
// responses and audit rows, so they stay in the product's French wording.
const (
	ReasonNotAuthenticated  = "Utilisateur non authentifié"
	ReasonSuperAdmin        = "Super admin"
	ReasonDeniedByRole      = "Permission refusée par le rôle"
	ReasonOnlyOwn           = "Vous ne pouvez modifier que vos propres éléments"
	ReasonEditWhenValidated = "Modification autorisée même si validé (condition can_edit_when_validated)"
	ReasonResolutionError   = "Erreur lors de la résolution des permissions"
)

func reasonNoProcess(processID string) string {
	return fmt.Sprintf("Aucune permission trouvée pour le processus %s", processID)
}

func reasonNoAction(actionCode, appName string) string {
	return fmt.Sprintf("Action '%s' non trouvée pour l'app '%s'", actionCode, appName)
}

func reasonGranted(source string) string {
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("Permission accordée (%s)", source)
}

// evaluateConditions applies the contextual conditions of a granted decision
// against the entity. decided is false when no condition settles the outcome
// and the base grant stands. Unknown condition keys are ignored so newer
// conditions pass through older deployments.
//
// can_edit_when_validated is a positive escape hatch: a validated entity
// re-affirms the grant rather than restricting it. can_edit_only_own flips
// the decision to deny when the entity belongs to someone else. Entities
// advertise these capabilities by implementing Validatable or Owned; an
// entity without the capability leaves the condition inert.
func evaluateConditions(conds Conditions, principal Principal, entity any) (granted bool, reason string, decided bool) {
	if entity == nil || len(conds) == 0 {
		return false, "", false
	}
	if conds.Bool(CondEditWhenValidated) {
		if v, ok := entity.(Validatable); ok && v.IsValidated() {
			return true, ReasonEditWhenValidated, true
		}
	}
	if conds.Bool(CondEditOnlyOwn) {
		if o, ok := entity.(Owned); ok && o.OwnerID() != principal.UserID {
			return false, ReasonOnlyOwn, true
		}
	}
	return false, "", false
}
