package schema

// stateFIPS maps state names to their 2-digit FIPS codes, per the Census
// Bureau's ANSI state table.
var stateFIPS = map[string]string{
	"Alabama":              "01",
	"Alaska":               "02",
	"Arizona":              "04",
	"Arkansas":             "05",
	"California":           "06",
	"Colorado":             "08",
	"Connecticut":          "09",
	"Delaware":             "10",
	"District of Columbia": "11",
	"Florida":              "12",
	"Georgia":              "13",
	"Hawaii":               "15",
	"Idaho":                "16",
	"Illinois":             "17",
	"Indiana":              "18",
	"Iowa":                 "19",
	"Kansas":               "20",
	"Kentucky":             "21",
	"Louisiana":            "22",
	"Maine":                "23",
	"Maryland":             "24",
	"Massachusetts":        "25",
	"Michigan":             "26",
	"Minnesota":            "27",
	"Mississippi":          "28",
	"Missouri":             "29",
	"Montana":              "30",
	"Nebraska":             "31",
	"Nevada":               "32",
	"New Hampshire":        "33",
	"New Jersey":           "34",
	"New Mexico":           "35",
	"New York":             "36",
	"North Carolina":       "37",
	"North Dakota":         "38",
	"Ohio":                 "39",
	"Oklahoma":             "40",
	"Oregon":               "41",
	"Pennsylvania":         "42",
	"Rhode Island":         "44",
	"South Carolina":       "45",
	"South Dakota":         "46",
	"Tennessee":            "47",
	"Texas":                "48",
	"Utah":                 "49",
	"Vermont":              "50",
	"Virginia":             "51",
	"Washington":           "53",
	"West Virginia":        "54",
	"Wisconsin":            "55",
	"Wyoming":              "56",
	"Puerto Rico":          "72",
}

// metroCounties maps common metro-area aliases to their core county FIPS
// codes. Comparison requests name regions this way ("Tampa Bay", "Phoenix").
var metroCounties = map[string][]string{
	"Tampa Bay":         {"12057", "12101", "12103", "12053"},
	"Phoenix":           {"04013", "04021"},
	"Miami":             {"12086", "12011", "12099"},
	"Dallas":            {"48113", "48439", "48085", "48121"},
	"Houston":           {"48201", "48157", "48339"},
	"Atlanta":           {"13121", "13089", "13135", "13067"},
	"Chicago":           {"17031", "17043", "17089", "17197"},
	"New York City":     {"36061", "36047", "36081", "36005", "36085"},
	"Los Angeles":       {"06037", "06059"},
	"Bay Area":          {"06075", "06001", "06085", "06081", "06013"},
	"Seattle":           {"53033", "53061", "53053"},
	"Denver":            {"08031", "08005", "08059", "08001"},
	"Boston":            {"25025", "25017", "25021"},
	"Philadelphia":      {"42101", "42045", "42091", "34007"},
	"Washington DC":     {"11001", "24031", "24033", "51059", "51013"},
	"Twin Cities":       {"27053", "27123"},
	"Research Triangle": {"37183", "37063", "37135"},
}
