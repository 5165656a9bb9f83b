package models

// Language identifies one of the UI languages the application supports. Each
// language carries the handful of strings the conversation core emits: the
// system greeting shown in an empty session, the default session title, the
// error prefix, and the natural-language directive appended to the system
// instruction so the model replies in the selected language.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageSpanish Language = "es"
	LanguageFrench  Language = "fr"
	LanguageKhmer   Language = "km"
)

// DefaultLanguage is used when the configuration does not name a language.
const DefaultLanguage = LanguageEnglish

// SupportedLanguages lists the languages selectable in the UI.
var SupportedLanguages = []Language{LanguageEnglish, LanguageSpanish, LanguageFrench, LanguageKhmer}

type languageStrings struct {
	greeting     string
	defaultTitle string
	errorPrefix  string
	directive    string
	initFailure  string
	sendFailure  string
}

var languageTable = map[Language]languageStrings{
	LanguageEnglish: {
		greeting:     "Hello! I am your KH AI assistant. How can I help you today? You can type, speak, or upload images (JPEG, PNG, WEBP, max 4MB).",
		defaultTitle: "New Chat",
		errorPrefix:  "Error:",
		directive:    "Please respond in English.",
		initFailure:  "Failed to initialize chat session. Check API key and network.",
		sendFailure:  "Failed to send message. Please try again.",
	},
	LanguageSpanish: {
		greeting:     "¡Hola! Soy tu asistente KH AI. ¿Cómo puedo ayudarte hoy? Puedes escribir, hablar o subir imágenes (JPEG, PNG, WEBP, máx 4MB).",
		defaultTitle: "Nuevo Chat",
		errorPrefix:  "Error:",
		directive:    "Por favor, responde en español.",
		initFailure:  "Error al iniciar la sesión de chat. Comprueba la clave API y la red.",
		sendFailure:  "Error al enviar el mensaje. Inténtalo de nuevo.",
	},
	LanguageFrench: {
		greeting:     "Bonjour ! Je suis votre assistant KH AI. Comment puis-je vous aider aujourd'hui ? Vous pouvez écrire, parler ou télécharger des images (JPEG, PNG, WEBP, max 4MB).",
		defaultTitle: "Nouveau Chat",
		errorPrefix:  "Erreur:",
		directive:    "Veuillez répondre en français.",
		initFailure:  "Échec de l'initialisation de la session de chat. Vérifiez la clé API et le réseau.",
		sendFailure:  "Échec de l'envoi du message. Veuillez réessayer.",
	},
	LanguageKhmer: {
		greeting:     "សួស្តី! ខ្ញុំជាជំនួយការ KH AI របស់អ្នក។ តើខ្ញុំអាចជួយអ្នកអ្វីបានខ្លះថ្ងៃនេះ? អ្នកអាចវាយ, និយាយ ឬបង្ហោះរូបភាព (JPEG, PNG, WEBP, អតិបរមា 4MB)។",
		defaultTitle: "ការជជែកថ្មី",
		errorPrefix:  "កំហុស៖",
		directive:    "សូមឆ្លើយតបជាភាសាខ្មែរ។",
		initFailure:  "បរាជ័យក្នុងការចាប់ផ្តើមវគ្គជជែក។ សូមពិនិត្យលេខកូដ API និងបណ្តាញ។",
		sendFailure:  "បរាជ័យក្នុងការផ្ញើសារ។ សូម​ព្យាយាម​ម្តង​ទៀត។",
	},
}

func (l Language) strings() languageStrings {
	s, ok := languageTable[l]
	if !ok {
		return languageTable[DefaultLanguage]
	}
	return s
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	_, ok := languageTable[l]
	return ok
}

// Greeting returns the localized system greeting appended to an empty session.
func (l Language) Greeting() string { return l.strings().greeting }

// DefaultTitle returns the localized placeholder title given to a new session
// before a title can be derived from its content.
func (l Language) DefaultTitle() string { return l.strings().defaultTitle }

// ErrorPrefix returns the localized prefix used when a failure is surfaced
// into the conversation log.
func (l Language) ErrorPrefix() string { return l.strings().errorPrefix }

// Directive returns the natural-language instruction appended to the system
// instruction so the model answers in this language.
func (l Language) Directive() string { return l.strings().directive }

// InitFailureText returns the localized text used when creating a provider
// conversation context fails.
func (l Language) InitFailureText() string { return l.strings().initFailure }

// SendFailureText returns the localized fallback text used when sending a
// message fails without a more specific description.
func (l Language) SendFailureText() string { return l.strings().sendFailure }
