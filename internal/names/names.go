// Package names generates instance names of the form adjective-animal.
package names

import (
	"math/rand"
	"sync"
	"time"
)

var adjectives = []string{
	"able", "amber", "ample", "apt", "awake", "balmy", "bold", "brave", "brisk",
	"calm", "candid", "chief", "civil", "clean", "clever", "cosmic", "crisp",
	"daring", "deft", "eager", "easy", "epic", "fair", "fast", "fine", "firm",
	"fleet", "fluent", "frank", "fresh", "gentle", "glad", "golden", "grand",
	"happy", "hardy", "hearty", "humble", "ideal", "jolly", "keen", "kind",
	"lively", "loyal", "lucid", "lucky", "mellow", "merry", "mighty", "modest",
	"neat", "nimble", "noble", "open", "patient", "placid", "plucky", "polite",
	"prime", "proud", "quick", "quiet", "rapid", "ready", "robust", "rosy",
	"sage", "serene", "sharp", "shiny", "sleek", "smart", "snappy", "solid",
	"sound", "spry", "steady", "stellar", "sturdy", "sunny", "swift", "tidy",
	"trusty", "upbeat", "valid", "vivid", "warm", "wise", "witty", "zesty",
}

var animals = []string{
	"aardvark", "alpaca", "badger", "beagle", "bison", "bobcat", "buffalo",
	"camel", "caribou", "cheetah", "coyote", "crane", "dingo", "dolphin",
	"eagle", "egret", "elk", "falcon", "ferret", "finch", "gazelle", "gecko",
	"gibbon", "gopher", "grouse", "heron", "hornet", "husky", "ibex", "iguana",
	"impala", "jackal", "jaguar", "kestrel", "koala", "lemur", "leopard",
	"llama", "lynx", "macaw", "magpie", "marmot", "marten", "mink", "moose",
	"narwhal", "newt", "ocelot", "orca", "osprey", "otter", "owl", "panda",
	"parrot", "pelican", "penguin", "puffin", "puma", "quail", "rabbit",
	"raven", "robin", "salmon", "seal", "shrew", "sparrow", "squid", "stork",
	"swan", "tapir", "tern", "tiger", "toucan", "trout", "turtle", "urchin",
	"viper", "vulture", "walrus", "weasel", "whale", "wombat", "wren", "yak",
	"zebra",
}

// Generator produces candidate instance names. Callers check uniqueness.
type Generator interface {
	Generate() string
}

// RandomGenerator draws adjective-animal pairs.
type RandomGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom returns a generator seeded from the clock.
func NewRandom() *RandomGenerator {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded returns a deterministic generator.
func NewSeeded(seed int64) *RandomGenerator {
	return &RandomGenerator{rnd: rand.New(rand.NewSource(seed))}
}

// Generate returns a new adjective-animal name.
func (g *RandomGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return adjectives[g.rnd.Intn(len(adjectives))] + "-" + animals[g.rnd.Intn(len(animals))]
}

// Fixed returns the given names in order, then repeats the last one.
type Fixed []string

// Generate implements Generator.
func (f *Fixed) Generate() string {
	if len(*f) == 0 {
		return ""
	}
	name := (*f)[0]
	if len(*f) > 1 {
		*f = (*f)[1:]
	}
	return name
}
