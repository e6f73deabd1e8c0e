package catalog

// Remedy is the localized guidance attached to a diagnosed class.
type Remedy struct {
	Remedy string `json:"remedy"`
	Advice string `json:"advice"`
}

// Treatment is the recommended product for a class. It is not localized.
type Treatment struct {
	Product string `json:"product"`
	Dosage  string `json:"dosage"`
}

type entry struct {
	healthy   bool
	names     map[string]string
	remedies  map[string]Remedy
	treatment *Treatment
}

// DefaultLanguage is used when a request names a language the catalog does
// not carry.
const DefaultLanguage = "en"

// table is the single source of display text, keyed by class id then
// language. Which classes are active, and in what order, is decided by the
// catalog built from it.
var table = map[string]entry{
	"bacterial-spot": {
		names: map[string]string{
			"en": "Bacterial Spot",
			"hi": "जीवाणु धब्बा रोग",
			"pa": "ਬੈਕਟੀਰੀਅਲ ਧੱਬਾ ਰੋਗ",
		},
		remedies: map[string]Remedy{
			"en": {Remedy: "Spray copper hydroxide mixed with mancozeb. Avoid overhead irrigation.", Advice: "Remove and destroy infected plant debris."},
			"hi": {Remedy: "मैंकोज़ेब के साथ कॉपर हाइड्रॉक्साइड का छिड़काव करें। ऊपर से सिंचाई न करें।", Advice: "संक्रमित पौधों के अवशेष नष्ट कर दें।"},
			"pa": {Remedy: "ਮੈਨਕੋਜ਼ੇਬ ਨਾਲ ਕਾਪਰ ਹਾਈਡ੍ਰੋਕਸਾਈਡ ਦਾ ਛਿੜਕਾਅ ਕਰੋ। ਉੱਪਰੋਂ ਸਿੰਚਾਈ ਨਾ ਕਰੋ।", Advice: "ਸੰਕਰਮਿਤ ਪੌਦਿਆਂ ਦੀ ਰਹਿੰਦ-ਖੂੰਹਦ ਨਸ਼ਟ ਕਰੋ।"},
		},
		treatment: &Treatment{Product: "Copper hydroxide 77% WP + Mancozeb 75% WP", Dosage: "2 g + 2.5 g per litre of water"},
	},
	"early-blight": {
		names: map[string]string{
			"en": "Early Blight",
			"hi": "अगेती झुलसा",
			"pa": "ਅਗੇਤਾ ਝੁਲਸ ਰੋਗ",
		},
		remedies: map[string]Remedy{
			"en": {Remedy: "Use Copper-based Fungicide.", Advice: "Remove infected leaves."},
			"hi": {Remedy: "तांबा आधारित कवकनाशी का प्रयोग करें।", Advice: "संक्रमित पत्तियों को हटा दें।"},
			"pa": {Remedy: "ਤਾਂਬਾ ਅਧਾਰਿਤ ਉੱਲੀਨਾਸ਼ਕ ਦੀ ਵਰਤੋਂ ਕਰੋ।", Advice: "ਸੰਕਰਮਿਤ ਪੱਤੇ ਹਟਾ ਦਿਓ।"},
		},
		treatment: &Treatment{Product: "Copper oxychloride 50% WP", Dosage: "3 g per litre of water"},
	},
	"late-blight": {
		names: map[string]string{
			"en": "Late Blight",
			"hi": "पछेती झुलसा",
			"pa": "ਪਿਛੇਤਾ ਝੁਲਸ ਰੋਗ",
		},
		remedies: map[string]Remedy{
			"en": {Remedy: "Apply a metalaxyl and mancozeb fungicide. Repeat after 7 to 10 days.", Advice: "Destroy badly infected plants and keep foliage dry."},
			"hi": {Remedy: "मेटालैक्सिल और मैंकोज़ेब कवकनाशी का प्रयोग करें। 7 से 10 दिन बाद दोहराएं।", Advice: "अधिक संक्रमित पौधों को नष्ट करें और पत्तियों को सूखा रखें।"},
			"pa": {Remedy: "ਮੈਟਾਲੈਕਸਿਲ ਅਤੇ ਮੈਨਕੋਜ਼ੇਬ ਉੱਲੀਨਾਸ਼ਕ ਦੀ ਵਰਤੋਂ ਕਰੋ। 7 ਤੋਂ 10 ਦਿਨਾਂ ਬਾਅਦ ਦੁਹਰਾਓ।", Advice: "ਜ਼ਿਆਦਾ ਸੰਕਰਮਿਤ ਪੌਦੇ ਨਸ਼ਟ ਕਰੋ ਅਤੇ ਪੱਤਿਆਂ ਨੂੰ ਸੁੱਕਾ ਰੱਖੋ।"},
		},
		treatment: &Treatment{Product: "Metalaxyl 8% + Mancozeb 64% WP", Dosage: "2.5 g per litre of water"},
	},
	"yellow-rust": {
		names: map[string]string{
			"en": "Yellow Rust",
			"hi": "पीला रतवा",
			"pa": "ਪੀਲੀ ਕੁੰਗੀ",
		},
		remedies: map[string]Remedy{
			"en": {Remedy: "Apply Sulfur dust.", Advice: "Avoid excessive nitrogen."},
			"hi": {Remedy: "सल्फर पाउडर का प्रयोग करें।", Advice: "अत्यधिक नाइट्रोजन से बचें।"},
			"pa": {Remedy: "ਗੰਧਕ ਪਾਊਡਰ ਦੀ ਵਰਤੋਂ ਕਰੋ।", Advice: "ਵਧੇਰੇ ਨਾਈਟ੍ਰੋਜਨ ਤੋਂ ਬਚੋ।"},
		},
		treatment: &Treatment{Product: "Propiconazole 25% EC", Dosage: "1 ml per litre of water"},
	},
	"healthy": {
		healthy: true,
		names: map[string]string{
			"en": "Healthy Crop",
			"hi": "स्वस्थ फसल",
			"pa": "ਸਿਹਤਮੰਦ ਫਸਲ",
		},
		remedies: map[string]Remedy{
			"en": {Remedy: "No action needed. Your crop looks healthy!", Advice: "Continue regular monitoring."},
			"hi": {Remedy: "किसी कार्रवाई की आवश्यकता नहीं है। आपकी फसल स्वस्थ दिख रही है!", Advice: "नियमित निगरानी जारी रखें।"},
			"pa": {Remedy: "ਕਿਸੇ ਕਾਰਵਾਈ ਦੀ ਲੋੜ ਨਹੀਂ। ਤੁਹਾਡੀ ਫਸਲ ਸਿਹਤਮੰਦ ਲੱਗਦੀ ਹੈ!", Advice: "ਨਿਯਮਤ ਨਿਗਰਾਨੀ ਜਾਰੀ ਰੱਖੋ।"},
		},
	},
}
