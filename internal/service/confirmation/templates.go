package confirmation

import "strings"

// Templates are message bodies with {{name}}, {{order}} and {{reply}}
// placeholders.
type Templates struct {
	Initial       string
	FollowUp      string
	ThankYou      string
	Apology       string
	Clarify       string
	AnalysisNotes string
}

// DefaultTemplates is used for every template left empty in configuration.
var DefaultTemplates = Templates{
	Initial:       "Olá {{name}}! O pedido {{order}} já foi entregue? Responda SIM se recebeu ou NÃO se ainda não chegou.",
	FollowUp:      "Olá {{name}}, ainda não recebemos sua confirmação do pedido {{order}}. Você recebeu? Responda SIM ou NÃO.",
	ThankYou:      "Obrigado pela confirmação, {{name}}! O pedido {{order}} foi finalizado.",
	Apology:       "Sentimos muito, {{name}}. Nossa equipe vai verificar o pedido {{order}} e retornará em breve.",
	Clarify:       "Desculpe, não entendi. Responda SIM se recebeu o pedido {{order}} ou NÃO se ainda não chegou.",
	AnalysisNotes: "Cliente informou não recebimento do pedido {{order}}. Resposta: {{reply}}",
}

// WithDefaults fills empty templates from DefaultTemplates.
func (t Templates) WithDefaults() Templates {
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	}
	return Templates{
		Initial:       pick(t.Initial, DefaultTemplates.Initial),
		FollowUp:      pick(t.FollowUp, DefaultTemplates.FollowUp),
		ThankYou:      pick(t.ThankYou, DefaultTemplates.ThankYou),
		Apology:       pick(t.Apology, DefaultTemplates.Apology),
		Clarify:       pick(t.Clarify, DefaultTemplates.Clarify),
		AnalysisNotes: pick(t.AnalysisNotes, DefaultTemplates.AnalysisNotes),
	}
}

func render(tpl, name, order, reply string) string {
	if strings.TrimSpace(name) == "" {
		name = "cliente"
	}
	return strings.NewReplacer("{{name}}", name, "{{order}}", order, "{{reply}}", reply).Replace(tpl)
}
