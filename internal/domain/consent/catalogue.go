package consent

func strPtr(s string) *string { return &s }

// DefaultLegalBases is the catalogue of processing hypotheses from LGPD
// Art. 7 (personal data) and Art. 11 II (sensitive data).
func DefaultLegalBases() []LegalBasis {
	return []LegalBasis{
		{Code: "ART7_I", Article: "Art. 7, I", Title: "Consentimento do titular", RequiresConsent: true,
			Description: strPtr("Mediante o fornecimento de consentimento pelo titular.")},
		{Code: "ART7_II", Article: "Art. 7, II", Title: "Cumprimento de obrigação legal ou regulatória",
			Description: strPtr("Para o cumprimento de obrigação legal ou regulatória pelo controlador.")},
		{Code: "ART7_III", Article: "Art. 7, III", Title: "Execução de políticas públicas",
			Description: strPtr("Pela administração pública, para o tratamento e uso compartilhado de dados necessários à execução de políticas públicas.")},
		{Code: "ART7_IV", Article: "Art. 7, IV", Title: "Realização de estudos por órgão de pesquisa",
			Description: strPtr("Para a realização de estudos por órgão de pesquisa, garantida, sempre que possível, a anonimização dos dados pessoais.")},
		{Code: "ART7_V", Article: "Art. 7, V", Title: "Execução de contrato",
			Description: strPtr("Quando necessário para a execução de contrato ou de procedimentos preliminares relacionados a contrato do qual seja parte o titular.")},
		{Code: "ART7_VI", Article: "Art. 7, VI", Title: "Exercício regular de direitos",
			Description: strPtr("Para o exercício regular de direitos em processo judicial, administrativo ou arbitral.")},
		{Code: "ART7_VII", Article: "Art. 7, VII", Title: "Proteção da vida",
			Description: strPtr("Para a proteção da vida ou da incolumidade física do titular ou de terceiro.")},
		{Code: "ART7_VIII", Article: "Art. 7, VIII", Title: "Tutela da saúde",
			Description: strPtr("Para a tutela da saúde, exclusivamente, em procedimento realizado por profissionais de saúde, serviços de saúde ou autoridade sanitária.")},
		{Code: "ART7_IX", Article: "Art. 7, IX", Title: "Legítimo interesse",
			Description: strPtr("Quando necessário para atender aos interesses legítimos do controlador ou de terceiro.")},
		{Code: "ART7_X", Article: "Art. 7, X", Title: "Proteção do crédito",
			Description: strPtr("Para a proteção do crédito, inclusive quanto ao disposto na legislação pertinente.")},

		{Code: "ART11_II_A", Article: "Art. 11, II, a", Title: "Obrigação legal ou regulatória (dados sensíveis)", SensitiveData: true,
			Description: strPtr("Cumprimento de obrigação legal ou regulatória pelo controlador.")},
		{Code: "ART11_II_B", Article: "Art. 11, II, b", Title: "Políticas públicas (dados sensíveis)", SensitiveData: true,
			Description: strPtr("Tratamento compartilhado de dados necessários à execução, pela administração pública, de políticas públicas.")},
		{Code: "ART11_II_C", Article: "Art. 11, II, c", Title: "Estudos por órgão de pesquisa (dados sensíveis)", SensitiveData: true,
			Description: strPtr("Realização de estudos por órgão de pesquisa, garantida, sempre que possível, a anonimização.")},
		{Code: "ART11_II_D", Article: "Art. 11, II, d", Title: "Exercício regular de direitos (dados sensíveis)", SensitiveData: true,
			Description: strPtr("Exercício regular de direitos, inclusive em contrato e em processo judicial, administrativo e arbitral.")},
		{Code: "ART11_II_E", Article: "Art. 11, II, e", Title: "Proteção da vida (dados sensíveis)", SensitiveData: true,
			Description: strPtr("Proteção da vida ou da incolumidade física do titular ou de terceiro.")},
		{Code: "ART11_II_F", Article: "Art. 11, II, f", Title: "Tutela da saúde (dados sensíveis)", SensitiveData: true,
			Description: strPtr("Tutela da saúde, exclusivamente, em procedimento realizado por profissionais de saúde, serviços de saúde ou autoridade sanitária.")},
		{Code: "ART11_II_G", Article: "Art. 11, II, g", Title: "Prevenção à fraude e segurança do titular", SensitiveData: true,
			Description: strPtr("Garantia da prevenção à fraude e à segurança do titular, nos processos de identificação e autenticação de cadastro em sistemas eletrônicos.")},
	}
}
