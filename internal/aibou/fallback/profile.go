package fallback

import (
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"github.com/bdobrica/Aibou/internal/aibou/session"
)

// AIProfile is the partner profile shown to the owner for a fallback
// session. IsAI is always true so clients can label the conversation.
type AIProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Age       int       `json:"age"`
	Bio       string    `json:"bio"`
	Interests []string  `json:"interests"`
	Gender    string    `json:"gender"`
	IsAI      bool      `json:"is_ai"`
	CreatedAt time.Time `json:"created_at"`
}

type profileTemplate struct {
	names     []string
	minAge    int
	maxAge    int
	bio       string
	interests []string
}

const defaultProfile = "supportive-caring"

var profileTemplates = map[string]profileTemplate{
	"flirty-romantic": {
		names:     []string{"Valentina", "Romeo", "Bella", "Dante", "Sophia"},
		minAge:    20,
		maxAge:    28,
		bio:       "Charming, playful, and loves romantic conversations 😘",
		interests: []string{"romance", "dating", "compliments", "sweet talk"},
	},
	"energetic-fun": {
		names:     []string{"Zara", "Max", "Luna", "Tyler", "Nova"},
		minAge:    19,
		maxAge:    26,
		bio:       "High energy, loves adventures and making people laugh! 🎉",
		interests: []string{"adventure", "comedy", "parties", "excitement"},
	},
	"anime-kawaii": {
		names:     []string{"Sakura", "Yuki", "Hana", "Ren", "Miku"},
		minAge:    18,
		maxAge:    24,
		bio:       "Kawaii desu! Loves anime, manga, and being cute~ (◕‿◕)♡",
		interests: []string{"anime", "manga", "kawaii culture", "cosplay"},
	},
	"mysterious-dark": {
		names:     []string{"Raven", "Shadow", "Noir", "Vex", "Luna"},
		minAge:    22,
		maxAge:    30,
		bio:       "Enigmatic soul with deep thoughts and mysterious charm... 🖤",
		interests: []string{"mystery", "philosophy", "dark aesthetics", "secrets"},
	},
	"supportive-caring": {
		names:     []string{"Hope", "Angel", "Sage", "River", "Dawn"},
		minAge:    23,
		maxAge:    29,
		bio:       "Always here to listen, support, and make you feel better 💚",
		interests: []string{"listening", "helping", "emotional support", "kindness"},
	},
	"sassy-confident": {
		names:     []string{"Scarlett", "Phoenix", "Blaze", "Storm", "Rebel"},
		minAge:    21,
		maxAge:    27,
		bio:       "Confident, witty, and not afraid to speak my mind! 💁‍♀️✨",
		interests: []string{"confidence", "wit", "fashion", "attitude"},
	},
}

// NewProfile derives the partner profile of a session. The profile is a
// pure function of the session, so a duplicate notification gets the same
// profile back without the orchestrator keeping state.
func NewProfile(s session.Session) AIProfile {
	tmpl, ok := profileTemplates[s.PersonalityID]
	if !ok {
		tmpl = profileTemplates[defaultProfile]
	}

	h := fnv.New64a()
	h.Write([]byte(s.ID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	gender := "female"
	if rng.Intn(2) == 1 {
		gender = "male"
	}
	suffix := strings.ReplaceAll(s.ID, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return AIProfile{
		ID:        "ai_user_" + s.PersonalityID + "_" + suffix,
		Username:  tmpl.names[rng.Intn(len(tmpl.names))],
		Age:       tmpl.minAge + rng.Intn(tmpl.maxAge-tmpl.minAge+1),
		Bio:       tmpl.bio,
		Interests: append([]string(nil), tmpl.interests...),
		Gender:    gender,
		IsAI:      true,
		CreatedAt: s.CreatedAt,
	}
}
