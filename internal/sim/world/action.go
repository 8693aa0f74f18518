package world

type ActionKind string

const (
	ActMove   ActionKind = "move"
	ActAttack ActionKind = "attack"
	ActMine   ActionKind = "mine"
	ActCraft  ActionKind = "craft"
	ActWait   ActionKind = "wait"
)

// Action is the closed set of player actions. Variants are decoded at the
// protocol boundary; everything past it switches on the concrete type.
type Action interface {
	Kind() ActionKind
	Actor() string
	isAction()
}

type Move struct {
	ActorID string
	To      Pos
}

type Attack struct {
	ActorID  string
	TargetID string
}

type Mine struct {
	ActorID  string
	TargetID string
}

type Craft struct {
	ActorID string
	Recipe  string
}

type Wait struct {
	ActorID string
}

func (Move) Kind() ActionKind   { return ActMove }
func (Attack) Kind() ActionKind { return ActAttack }
func (Mine) Kind() ActionKind   { return ActMine }
func (Craft) Kind() ActionKind  { return ActCraft }
func (Wait) Kind() ActionKind   { return ActWait }

func (a Move) Actor() string   { return a.ActorID }
func (a Attack) Actor() string { return a.ActorID }
func (a Mine) Actor() string   { return a.ActorID }
func (a Craft) Actor() string  { return a.ActorID }
func (a Wait) Actor() string   { return a.ActorID }

func (Move) isAction()   {}
func (Attack) isAction() {}
func (Mine) isAction()   {}
func (Craft) isAction()  {}
func (Wait) isAction()   {}

// Recipe describes a craftable item.
type Recipe struct {
	Name    string         `json:"name" yaml:"name"`
	Cost    map[string]int `json:"cost" yaml:"cost"`
	Produce map[string]int `json:"produce" yaml:"produce"`
}

// Outcome is what the external formula evaluator decides for one action.
type Outcome struct {
	Hit      bool
	Damage   int
	Heal     int
	Progress int
	Consume  map[string]int
	Produce  map[string]int
}

// Formulas is the external combat/crafting evaluator. It must be pure.
type Formulas interface {
	Evaluate(attacker, defender Stats, items map[string]int, act Action) (Outcome, error)
}
