package knowledge

// Default returns the built-in oral condition knowledge base.
func Default() *Base {
	b, err := New(defaultConditions)
	if err != nil {
		panic(err)
	}
	return b
}

var defaultConditions = []ConditionEntry{
	{
		Key:         "caries",
		DisplayName: "Dental Caries (Tooth Decay)",
		Description: "Bacterial infection causing demineralization and destruction of tooth structures. Characterized by cavities and carious lesions visible as dark spots or holes in teeth.",
		Severity:    SeverityMedium,
		Recommendations: []string{
			"Schedule immediate dental restoration (fillings)",
			"Professional fluoride treatment",
			"Improve daily oral hygiene routine",
			"Reduce sugar and acidic food intake",
			"Consider antimicrobial mouth rinse",
		},
	},
	{
		Key:         "calculus",
		DisplayName: "Dental Calculus (Tartar)",
		Description: "Hardened dental plaque that has mineralized on teeth surfaces. Appears as yellow-brown deposits along the gum line and between teeth.",
		Severity:    SeverityMedium,
		Recommendations: []string{
			"Professional dental scaling and cleaning",
			"Ultrasonic tartar removal",
			"Improve brushing technique and frequency",
			"Use tartar control toothpaste",
			"Regular dental cleanings every 6 months",
		},
	},
	{
		Key:         "gingivitis",
		DisplayName: "Gingivitis",
		Description: "Inflammation of the gums caused by bacterial plaque buildup. Gums appear red, swollen, and may bleed during brushing or flossing.",
		Severity:    SeverityLow,
		Recommendations: []string{
			"Improve daily oral hygiene routine",
			"Professional dental cleaning",
			"Use antibacterial mouthwash",
			"Gentle brushing with soft-bristled toothbrush",
			"Regular flossing to remove plaque",
		},
	},
	{
		Key:         "tooth_discoloration",
		DisplayName: "Tooth Discoloration",
		Description: "Abnormal staining or discoloration of teeth that can be caused by various factors including diet, medications, or dental conditions.",
		Severity:    SeverityLow,
		Recommendations: []string{
			"Professional dental cleaning",
			"Evaluate cause of discoloration",
			"Consider professional whitening treatment",
			"Limit staining foods and beverages",
			"Maintain excellent oral hygiene",
		},
	},
	{
		Key:         "ulcers",
		DisplayName: "Oral Ulcers",
		Description: "Painful sores or lesions in the mouth that can be caused by trauma, stress, nutritional deficiencies, or underlying conditions.",
		Severity:    SeverityMedium,
		Recommendations: []string{
			"Apply topical pain relief medication",
			"Avoid spicy, acidic, or rough foods",
			"Maintain gentle oral hygiene",
			"Consider stress management if stress-related",
			"Consult dentist if ulcers persist beyond 2 weeks",
		},
	},
	{
		Key:         "hypodontia",
		DisplayName: "Hypodontia (Missing Teeth)",
		Description: "Congenital condition characterized by the absence of one or more teeth. Can affect both primary and permanent dentition.",
		Severity:    SeverityMedium,
		Recommendations: []string{
			"Consult orthodontist for treatment planning",
			"Consider dental implants or bridges",
			"Evaluate need for orthodontic treatment",
			"Monitor remaining teeth for proper alignment",
			"Discuss prosthetic replacement options",
		},
	},
	{
		Key:         "healthy",
		DisplayName: "Healthy Oral Tissue",
		Description: "Normal, healthy oral structures with no signs of disease or abnormalities detected. Gums appear pink and firm, teeth are clean and intact.",
		Severity:    SeverityLow,
		Recommendations: []string{
			"Maintain excellent oral hygiene routine",
			"Continue regular dental check-ups every 6 months",
			"Brush twice daily with fluoride toothpaste",
			"Daily flossing and mouthwash use",
			"Maintain balanced diet low in sugar",
		},
	},
}
