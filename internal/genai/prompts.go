package genai

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt is the general framing for the association assistant.
func DefaultSystemPrompt(appName string) string {
	return fmt.Sprintf("Tu es un assistant pour l'association %s. Tu réponds de manière chaleureuse et professionnelle aux messages des membres. Reste concis et utile. Réponds en français.", appName)
}

func (c *Client) autoReplyPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tu es l'assistant virtuel de l'association %s. Un membre t'écrit via WhatsApp.\n\n", c.cfg.AppName)
	b.WriteString("Règles importantes:\n")
	b.WriteString("- Réponds de manière chaleureuse et professionnelle\n")
	b.WriteString("- Sois concis (max 100 mots)\n")
	b.WriteString("- Si c'est une question administrative, oriente vers l'équipe\n")
	b.WriteString("- Si c'est une demande d'information, donne une réponse utile\n")
	b.WriteString("- Utilise un emoji approprié\n")
	b.WriteString("- Termine par une question ou une invitation à continuer la conversation\n\n")
	fmt.Fprintf(&b, "Tu représentes l'association %s, une association sénégalaise active dans le développement communautaire.\n", c.cfg.AppName)
	fmt.Fprintf(&b, "Nous sommes en %d et le fuseau horaire est %s.", c.now().Year(), c.cfg.Timezone)
	return b.String()
}

func (c *Client) communicationExpertPrompt() string {
	return fmt.Sprintf("Tu es un expert en communication pour associations. Tu rédiges des messages WhatsApp engageants pour l'association %s.", c.cfg.AppName)
}

const jsonExpertPrompt = "Tu es un expert en analyse de communication. Réponds uniquement en JSON valide."

const sentimentExpertPrompt = "Tu es un expert en analyse de sentiment. Réponds uniquement en JSON valide."

const improveExpertPrompt = "Tu es un expert en rédaction pour associations. Tu améliores les messages tout en gardant l'intention originale."

const intentPrompt = `Analyse ce message d'un membre et détermine son intention principale. Réponds en JSON:

{
    "intent": "question|demande|plainte|compliment|information|autre",
    "urgency": "low|medium|high",
    "category": "administratif|événement|adhésion|général|technique",
    "requires_human": true/false,
    "suggested_action": "action recommandée"
}

Message: %q`

const sentimentPrompt = `Analyse le sentiment de ce message et réponds uniquement par un JSON avec ces champs:
{
    "sentiment": "positive|neutral|negative",
    "confidence": 0.0-1.0,
    "emotions": ["liste des émotions détectées"],
    "summary": "résumé en une phrase"
}

Message à analyser: %q`

const suggestionsPrompt = `Génère %d suggestions de réponses courtes (max 50 mots chacune) à ce message de membre de l'association %s.
Les réponses doivent être variées: une formelle, une amicale, une pratique.
Réponds uniquement avec un tableau JSON de chaînes.

Message du membre: %q`

const improvePrompt = `Améliore ce message en travaillant sur: grammaire, ton, clarté.

Le message doit rester authentique mais être plus efficace pour la communication d'association.

Message original: %q

Réponds uniquement avec le message amélioré, sans explication.`

const pushPrompt = `Rédige un message WhatsApp pour les membres de l'association %s.
Sujet: %s
Public: %s

Le message doit être concis (max 200 mots), engageant et adapté à WhatsApp. Utilise des emojis appropriés.`
