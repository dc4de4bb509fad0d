package mangle

// Schema declares the resolution outcome facts and the rules derived from
// them. Confidence is stored as an integer percentage.
const Schema = `
Decl resolution(Run, Step, Site, Intent, Strategy, Tier, Confidence).
Decl resolution_failure(Run, Step, Site, Intent, Reason).
Decl action_outcome(Run, Step, Site, Intent, Outcome).
Decl speculative_hit(Run, Step).
Decl epoch_advance(Site, Epoch, Reason).

Decl failing_intent(Site, Intent).
failing_intent(Site, Intent) :- resolution_failure(_, _, Site, Intent, _).
failing_intent(Site, Intent) :- action_outcome(_, _, Site, Intent, "failure").

Decl low_confidence(Site, Intent, Strategy).
low_confidence(Site, Intent, Strategy) :-
    resolution(_, _, Site, Intent, Strategy, _, C),
    C < 70.

Decl slow_intent(Site, Intent).
slow_intent(Site, Intent) :- resolution(_, _, Site, Intent, _, "dynamic", _).

Decl unstable_site(Site).
unstable_site(Site) :- resolution_failure(_, _, Site, _, "stale").
unstable_site(Site) :- epoch_advance(Site, _, "mutation").
`
