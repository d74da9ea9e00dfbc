package safety

// termGroup is a named list of terms. Order is significant: the first
// matching blocked group decides the category.
type termGroup struct {
	name  string
	terms []string
}

var domainKeywords = []termGroup{
	{"establishments", []string{"restaurant", "bistro", "cafe", "bar", "gastropub", "brasserie", "tavern", "eatery", "diner"}},
	{"dining", []string{"dining", "dine", "eat", "meal", "lunch", "dinner", "breakfast", "brunch", "supper", "feast"}},
	{"food", []string{"food", "cuisine", "dish", "recipe", "cooking", "culinary", "flavor", "taste", "ingredient", "chef", "menu"}},
	{"service", []string{"service", "reservation", "booking", "waiter", "server", "hostess", "sommelier"}},
	{"quality", []string{"michelin", "star", "starred", "rating", "review", "quality", "excellence", "gourmet"}},
	{"experience", []string{"ambiance", "atmosphere", "experience", "elegant", "romantic", "cozy", "fine dining"}},
	{"beverages", []string{"wine", "cocktail", "drink", "beverage", "champagne", "beer", "spirits", "sake"}},
	{"cuisine_types", []string{"italian", "french", "japanese", "chinese", "thai", "indian", "mexican", "mediterranean"}},
	{"food_types", []string{"seafood", "steakhouse", "vegetarian", "vegan", "organic", "farm to table", "sushi"}},
	{"menu_items", []string{"appetizer", "entree", "dessert", "course", "tasting menu", "prix fixe", "special"}},
}

var blockedTopics = []termGroup{
	{"politics", []string{"politics", "political", "election", "government", "president", "congress", "democrat", "republican", "voting", "campaign"}},
	{"religion", []string{"religion", "religious", "church", "bible", "islam", "christianity", "judaism", "buddhism", "prayer", "worship"}},
	{"violence", []string{"violence", "violent", "weapon", "gun", "bomb", "terror", "kill", "murder", "death", "war", "fight"}},
	{"sexual_content", []string{"sexual", "sex", "adult", "explicit", "nsfw", "porn", "nude"}},
	{"personal_info", []string{"password", "ssn", "social security", "credit card", "phone number", "home address", "email"}},
	{"harmful", []string{"hack", "illegal", "drugs", "suicide", "self-harm", "abuse", "harassment"}},
	{"professional_advice", []string{"medical advice", "legal advice", "financial advice", "investment", "diagnosis", "treatment", "therapy"}},
}

var conversationalWords = []termGroup{
	{"greetings", []string{"hello", "hi", "hey", "good morning", "good evening", "greetings"}},
	{"courtesy", []string{"please", "thank you", "thanks", "sorry", "excuse me"}},
	{"questions", []string{"what", "where", "when", "how", "why", "which", "who", "can", "could", "would"}},
	{"requests", []string{"help", "recommend", "suggest", "find", "show", "tell", "explain", "describe"}},
	{"descriptors", []string{"best", "good", "great", "amazing", "excellent", "top", "popular", "famous"}},
	{"locations", []string{"near", "in", "at", "around", "city", "area", "location", "place", "neighborhood"}},
}

var declineMessages = map[Pool][]string{
	PoolOffTopic: {
		"I'm specialized in helping you discover amazing restaurants and dining experiences! Let's talk about Michelin-starred establishments, cuisine recommendations, or dining locations instead. What culinary adventure can I help you with?",
		"I'm your dedicated restaurant expert! I can help you find the perfect dining spot, explore cuisines, or learn about Michelin-starred restaurants. What dining experience are you looking for?",
		"Let's keep our conversation focused on the wonderful world of restaurants and dining! I can recommend cuisines, help you find great restaurants, or discuss culinary experiences. What would you like to explore?",
	},
	PoolInappropriate: {
		"I maintain a professional focus on restaurant and dining topics. Please ask me about cuisines, restaurant recommendations, or dining experiences instead.",
		"I'm here to help with restaurant-related questions only. Let's discuss amazing dining experiences, menu recommendations, or culinary discoveries!",
		"I specialize in restaurants and culinary experiences. Please keep our conversation focused on dining, cuisines, and restaurant recommendations.",
	},
	PoolBlocked: {
		"I can't discuss that topic, but I'd love to help you discover incredible restaurants! Ask me about Michelin-starred establishments, cuisine types, or dining recommendations.",
		"That's outside my area of expertise. I'm here to help with restaurant recommendations, menu suggestions, and culinary experiences. What dining adventure can I assist with?",
		"I focus exclusively on restaurant and dining topics. Let's explore amazing cuisines, find great restaurants, or discuss culinary experiences instead!",
	},
	PoolRateLimit: {
		"Please slow down a bit! I want to provide you with thoughtful restaurant recommendations. Let's take our time to explore the perfect dining options for you.",
		"I appreciate your enthusiasm! Let's take a moment to discuss your dining preferences so I can give you the best restaurant recommendations.",
		"Let's pace our conversation so I can provide you with the most helpful restaurant insights and recommendations.",
	},
}

// poolForCategory maps blocked categories to their decline pool.
var poolForCategory = map[string]Pool{
	"sexual_content": PoolInappropriate,
	"harmful":        PoolInappropriate,
}
