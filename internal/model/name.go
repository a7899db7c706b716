package model

import "math/rand/v2"

var nameAdjectives = []string{
	"agitated", "amazing", "angry", "astonishing", "berserk", "big",
	"boring", "bright", "cheeky", "clever", "compassionate", "condescending",
	"cranky", "crazy", "curious", "deadly", "determined", "distracted",
	"dreamy", "ecstatic", "elegant", "evil", "fabulous", "fervent",
	"focused", "friendly", "furious", "gigantic", "goofy", "grave",
	"happy", "high", "hopeful", "hungry", "infallible", "jolly",
	"kind", "lethal", "lonely", "loving", "mad", "magical",
	"maniac", "marvelous", "mighty", "modest", "nasty", "nice",
	"nostalgic", "peaceful", "pedantic", "prickly", "reverent", "ridiculous",
	"sad", "scruffy", "serene", "sharp", "sick", "silly",
	"sleepy", "small", "spontaneous", "stoic", "stupefied", "suspicious",
	"tender", "thirsty", "tiny", "trusting", "voluminous", "wise",
}

var nameSurnames = []string{
	"albattani", "allen", "almeida", "archimedes", "ardinghelli", "austin",
	"babbage", "banach", "bardeen", "bartik", "bassi", "bell",
	"bhabha", "bohr", "borg", "bose", "boyd", "brahmagupta",
	"brattain", "brown", "carson", "coles", "cori", "crick",
	"curie", "darwin", "davinci", "dijkstra", "dubinsky", "easley",
	"edison", "einstein", "elion", "engelbart", "euclid", "euler",
	"fermat", "fermi", "feynman", "franklin", "galileo", "gates",
	"goldberg", "goldstine", "golick", "goodall", "hamilton", "hawking",
	"heisenberg", "heyrovsky", "hodgkin", "hopper", "hypatia", "jennings",
	"jepsen", "joliot", "jones", "kalam", "kare", "keller",
	"kilby", "kirch", "knuth", "kowalevski", "lalande", "lamarr",
	"leakey", "leavitt", "lichterman", "linnaeus", "lovelace", "lumiere",
	"mayer", "mccarthy", "mcclintock", "mclean", "meitner", "mendel",
	"mestorf", "minsky", "mirzakhani", "montalcini", "morse", "newton",
	"nobel", "noether", "pare", "pasteur", "payne", "perlman",
	"pike", "poincare", "poitras", "ptolemy", "raman", "ramanujan",
	"ride", "ritchie", "roentgen", "rosalind", "saha", "sammet",
	"shannon", "shaw", "shirley", "sinoussi", "snyder", "spence",
	"stallman", "swanson", "swartz", "swirles", "tesla", "thompson",
	"torvalds", "turing", "varahamihira", "visvesvaraya", "volhard", "watson",
	"wescoff", "wiles", "williams", "wilson", "wing", "wozniak",
	"wright", "yalow", "yonath",
}

// RandomRunName generates a human friendly run name of the form
// adjective_surname, for example "amazing_curie". Names are not guaranteed
// unique; callers that need uniqueness check the history ledger and retry.
func RandomRunName() string {
	adj := nameAdjectives[rand.IntN(len(nameAdjectives))]
	sur := nameSurnames[rand.IntN(len(nameSurnames))]
	return adj + "_" + sur
}
